// Package wrapper renders the client-side protocol bootstrap that compiled
// end-user binaries run before the protected application's own code. The same
// handshake is emitted for two target runtimes (Python and Node.js) from typed
// configuration; all interpolated values pass through one escaping function
// per target syntax. Rendering is deterministic: identical configuration
// yields byte-identical artifacts.
package wrapper

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/codevault/codevault/internal/telemetry"
	"github.com/codevault/codevault/pkg/checksum"
)

// Target selects the runtime the generated client is written for.
type Target string

const (
	TargetPython Target = "python"
	TargetNode   Target = "nodejs"
)

// Mode selects how the generated client obtains its license key.
type Mode string

const (
	// ModeFixed embeds the literal key; the client validates it every run.
	ModeFixed Mode = "fixed"
	// ModeGeneric embeds no key; the client loads it from license.key next to
	// the binary or prompts the end user and persists the answer there.
	ModeGeneric Mode = "generic"
	// ModeDemo embeds a sentinel the client treats as always-valid offline.
	ModeDemo Mode = "demo"
)

// Sentinel keys the generated clients recognize instead of a real license key.
const (
	SentinelGeneric = "GENERIC_BUILD"
	SentinelDemo    = "DEMO"
)

// LicenseFileName is the on-disk key file the generic client reads and writes
// adjacent to the installed binary. Created and deleted only by the client.
const LicenseFileName = "license.key"

// Config is the typed input to Render.
type Config struct {
	Target     Target
	Mode       Mode
	LicenseKey string // required for ModeFixed, ignored otherwise
	ServerURL  string // base URL of the validation server, no trailing slash
}

// Artifact is a rendered client source, ready for Inject. Checksum is the
// SHA-256 of Source; the build pipeline verifies it before compiling so
// nothing between generator and compiler can alter the handshake code
// undetected.
type Artifact struct {
	Target   Target
	Mode     Mode
	Source   string
	Checksum string
}

var (
	errUnknownTarget = errors.New("unknown wrapper target")
	errUnknownMode   = errors.New("unknown license mode")
)

// templateParams is what the target templates interpolate. Key and ServerURL
// are escaped by the template's own escape function at interpolation sites.
type templateParams struct {
	Key       string
	ServerURL string
}

var (
	pythonTmpl = template.Must(template.New("python").
			Funcs(template.FuncMap{"py": escapePython}).
			Parse(pythonClientTemplate))
	nodeTmpl = template.Must(template.New("nodejs").
			Funcs(template.FuncMap{"js": escapeNode}).
			Parse(nodeClientTemplate))
)

// Render produces the protocol client source for one target and license mode.
func Render(cfg Config) (*Artifact, error) {
	key, err := embeddedKey(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Mode != ModeDemo && cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL required for %s mode", cfg.Mode)
	}

	var tmpl *template.Template
	switch cfg.Target {
	case TargetPython:
		tmpl = pythonTmpl
	case TargetNode:
		tmpl = nodeTmpl
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownTarget, cfg.Target)
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, templateParams{Key: key, ServerURL: cfg.ServerURL}); err != nil {
		return nil, fmt.Errorf("rendering %s client: %w", cfg.Target, err)
	}

	telemetry.WrapperGenerationsTotal.WithLabelValues(string(cfg.Target), string(cfg.Mode)).Inc()

	source := out.String()
	return &Artifact{
		Target:   cfg.Target,
		Mode:     cfg.Mode,
		Source:   source,
		Checksum: checksum.SHA256String(source),
	}, nil
}

// embeddedKey maps the license mode to the literal the client source carries.
func embeddedKey(cfg Config) (string, error) {
	switch cfg.Mode {
	case ModeFixed:
		if cfg.LicenseKey == "" {
			return "", errors.New("fixed mode requires a license key")
		}
		return cfg.LicenseKey, nil
	case ModeGeneric:
		return SentinelGeneric, nil
	case ModeDemo:
		return SentinelDemo, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownMode, cfg.Mode)
	}
}

// Inject combines a rendered client with the application's entry source so
// the handshake executes strictly before any of the original top-level code.
// Python clients are prefixed; Node clients wrap the original code in the
// post-handshake then-block. Errors raised by the original program after the
// handshake still surface a diagnostic and a press-enter-to-exit gate.
func Inject(entrySource string, artifact *Artifact) (string, error) {
	switch artifact.Target {
	case TargetPython:
		return artifact.Source + "\n\n" + entrySource, nil

	case TargetNode:
		var out strings.Builder
		out.WriteString(artifact.Source)
		out.WriteString("\n\n_lw_validate().then(() => {\n")
		out.WriteString(entrySource)
		out.WriteString("\n}).catch((e) => {\n")
		out.WriteString("    console.error(e);\n")
		out.WriteString("    _lw_pressEnterExit();\n")
		out.WriteString("});\n")
		return out.String(), nil

	default:
		return "", fmt.Errorf("%w: %q", errUnknownTarget, artifact.Target)
	}
}

// escapePython escapes a value for a double-quoted Python string literal.
// Every value interpolated into the Python template goes through here.
func escapePython(s string) string {
	return pythonEscaper.Replace(s)
}

// escapeNode escapes a value for a double-quoted JavaScript string literal.
// Every value interpolated into the Node template goes through here.
func escapeNode(s string) string {
	return nodeEscaper.Replace(s)
}

var (
	pythonEscaper = strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	nodeEscaper = strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
)
