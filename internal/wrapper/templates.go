package wrapper

// Client templates. Behavioral parity between the two targets: both compute
// the hardware fingerprint as SHA-256 over a fixed tuple of machine
// attributes truncated to 32 hex chars, send the validation request shape
// with a fresh nonce and epoch timestamp, proceed only on "valid", fail open
// on transport errors, and fail closed (with the press-enter gate) on
// protocol rejections. Generic mode loads or prompts for the key and deletes
// the persisted file on server rejection so the next run re-prompts.

const pythonClientTemplate = `# ============ LICENSE WRAPPER - DO NOT REMOVE ============
import sys as _lw_sys
import os as _lw_os
import hashlib as _lw_hash
import json as _lw_json
import time as _lw_time
import platform as _lw_platform

def _lw_hwid():
    try:
        info = "|".join([_lw_platform.node(), _lw_platform.machine(), _lw_platform.processor()])
        return _lw_hash.sha256(info.encode()).hexdigest()[:32]
    except Exception:
        return "unknown-hwid"

def _lw_key_path():
    try:
        if getattr(_lw_sys, 'frozen', False):
            exe_dir = _lw_os.path.dirname(_lw_sys.executable)
        else:
            exe_dir = _lw_os.path.dirname(_lw_os.path.abspath(__file__))
        return _lw_os.path.join(exe_dir, "license.key")
    except Exception:
        return "license.key"

def _lw_prompt():
    try:
        import tkinter as _lw_tk
        from tkinter import simpledialog as _lw_dialog
        root = _lw_tk.Tk()
        root.withdraw()
        root.attributes('-topmost', True)
        key = _lw_dialog.askstring("License Key Required", "Please enter your License Key:", parent=root)
        root.destroy()
        if key and key.strip():
            return key.strip()
        return None
    except Exception:
        try:
            print("LICENSE KEY REQUIRED")
            key = input("Please enter your License Key: ").strip()
            return key or None
        except Exception:
            return None

def _lw_load_or_prompt():
    path = _lw_key_path()
    if _lw_os.path.exists(path):
        try:
            with open(path, 'r', encoding='utf-8') as f:
                key = f.read().strip()
            if key:
                print("[License Wrapper] Loaded license from " + path)
                return key
        except Exception:
            pass
    print("[License Wrapper] No license key found.")
    key = _lw_prompt()
    if not key:
        print("[License Wrapper] No license key provided. Exiting...")
        _lw_sys.exit(1)
    try:
        with open(path, 'w', encoding='utf-8') as f:
            f.write(key)
        print("[License Wrapper] License key saved to " + path)
    except Exception:
        pass
    return key

def _lw_delete_saved():
    try:
        path = _lw_key_path()
        if _lw_os.path.exists(path):
            _lw_os.remove(path)
            print("License file removed. Please try again with a valid key.")
    except Exception:
        pass

def _lw_gate_exit():
    try:
        input("Press Enter to exit...")
    except Exception:
        pass
    _lw_sys.exit(1)

def _lw_excepthook(exc_type, exc, tb):
    import traceback as _lw_tb
    _lw_tb.print_exception(exc_type, exc, tb)
    _lw_gate_exit()

def _lw_validate():
    key = "{{py .Key}}"
    server_url = "{{py .ServerURL}}"

    if key == "DEMO":
        print("[License Wrapper] Running in DEMO mode")
        return

    if key == "GENERIC_BUILD":
        key = _lw_load_or_prompt()

    try:
        import urllib.request
        import urllib.error

        payload = _lw_json.dumps({
            "license_key": key,
            "hwid": _lw_hwid(),
            "machine_name": _lw_platform.node(),
            "nonce": _lw_hash.sha256(str(_lw_time.time()).encode()).hexdigest()[:32],
            "timestamp": int(_lw_time.time())
        }).encode('utf-8')

        req = urllib.request.Request(
            server_url + "/api/v1/license/validate",
            data=payload,
            headers={"Content-Type": "application/json"}
        )

        with urllib.request.urlopen(req, timeout=15) as resp:
            result = _lw_json.loads(resp.read().decode('utf-8'))

        if result.get("status") == "valid":
            print("[License Wrapper] License validated")
            return

        print("License error: " + result.get("message", "License invalid"))
        _lw_delete_saved()
        _lw_gate_exit()

    except urllib.error.URLError:
        print("[License Wrapper] Could not reach license server, running in offline mode...")
        return

_lw_sys.excepthook = _lw_excepthook
_lw_validate()
# ============ END LICENSE WRAPPER ============
`

const nodeClientTemplate = `// ============ LICENSE WRAPPER - DO NOT REMOVE ============
const _lw_crypto = require('crypto');
const _lw_os = require('os');
const _lw_https = require('https');
const _lw_http = require('http');
const _lw_fs = require('fs');
const _lw_path = require('path');
const _lw_readline = require('readline');

const _LW_KEY = "{{js .Key}}";
const _LW_SERVER_URL = "{{js .ServerURL}}";

function _lw_exeDir() {
    if (process.pkg) {
        return _lw_path.dirname(process.execPath);
    }
    return __dirname;
}

function _lw_keyPath() {
    return _lw_path.join(_lw_exeDir(), 'license.key');
}

function _lw_hwid() {
    const cpus = _lw_os.cpus();
    const cpuModel = cpus && cpus.length > 0 ? cpus[0].model : 'generic';
    const info = _lw_os.hostname() + '|' + _lw_os.platform() + '|' + _lw_os.arch() + '|' + _lw_os.totalmem() + '|' + cpuModel;
    return _lw_crypto.createHash('sha256').update(info).digest('hex').substring(0, 32);
}

function _lw_pressEnterExit() {
    const rl = _lw_readline.createInterface({ input: process.stdin, output: process.stdout });
    rl.question('Press Enter to exit...', () => {
        rl.close();
        process.exit(1);
    });
}

function _lw_prompt() {
    return new Promise((resolve) => {
        const rl = _lw_readline.createInterface({ input: process.stdin, output: process.stdout });
        console.log('LICENSE KEY REQUIRED');
        rl.question('Enter License Key: ', (answer) => {
            rl.close();
            resolve(answer ? answer.trim() : null);
        });
    });
}

async function _lw_loadOrPrompt() {
    const licensePath = _lw_keyPath();
    if (_lw_fs.existsSync(licensePath)) {
        try {
            const key = _lw_fs.readFileSync(licensePath, 'utf-8').trim();
            if (key) {
                console.log('[License Wrapper] Loaded license from ' + licensePath);
                return key;
            }
        } catch (e) {
            console.log('[License Wrapper] Warning: could not read license file: ' + e.message);
        }
    }
    console.log('[License Wrapper] No license key found.');
    const key = await _lw_prompt();
    if (!key) {
        console.log('[License Wrapper] No license key provided. Exiting...');
        process.exit(1);
    }
    try {
        _lw_fs.writeFileSync(licensePath, key, 'utf-8');
        console.log('[License Wrapper] License key saved to ' + licensePath);
    } catch (e) {
        console.log('[License Wrapper] Warning: could not save license file: ' + e.message);
    }
    return key;
}

function _lw_deleteSaved() {
    try {
        const licensePath = _lw_keyPath();
        if (_lw_fs.existsSync(licensePath)) {
            _lw_fs.unlinkSync(licensePath);
            console.log('License file removed. Please try again with a valid key.');
        }
    } catch (e) {
        // cleanup only
    }
}

async function _lw_validate() {
    let key = _LW_KEY;

    if (key === "DEMO") {
        console.log('[License Wrapper] Running in DEMO mode');
        return;
    }

    if (key === "GENERIC_BUILD") {
        key = await _lw_loadOrPrompt();
    }

    return new Promise((resolve) => {
        const urlObj = new URL(_LW_SERVER_URL + '/api/v1/license/validate');
        const postData = JSON.stringify({
            license_key: key,
            hwid: _lw_hwid(),
            machine_name: _lw_os.hostname(),
            nonce: _lw_crypto.randomBytes(16).toString('hex'),
            timestamp: Math.floor(Date.now() / 1000)
        });

        const options = {
            hostname: urlObj.hostname,
            port: urlObj.port,
            path: urlObj.pathname,
            method: 'POST',
            timeout: 15000,
            headers: {
                'Content-Type': 'application/json',
                'Content-Length': Buffer.byteLength(postData)
            }
        };

        const lib = urlObj.protocol === 'http:' ? _lw_http : _lw_https;
        const req = lib.request(options, (res) => {
            let body = '';
            res.on('data', (chunk) => { body += chunk; });
            res.on('end', () => {
                let result;
                try {
                    result = JSON.parse(body);
                } catch (e) {
                    console.error('License error: unreadable server response');
                    if (_LW_KEY === "GENERIC_BUILD") {
                        _lw_deleteSaved();
                    }
                    _lw_pressEnterExit();
                    return;
                }
                if (result.status === 'valid') {
                    console.log('[License Wrapper] License validated');
                    resolve();
                } else {
                    console.error('License error: ' + (result.message || 'License invalid'));
                    if (_LW_KEY === "GENERIC_BUILD") {
                        _lw_deleteSaved();
                    }
                    _lw_pressEnterExit();
                }
            });
        });

        req.on('error', (e) => {
            console.error('[License Wrapper] Could not reach license server: ' + e.message);
            console.log('[License Wrapper] Running in offline mode...');
            resolve();
        });
        req.on('timeout', () => {
            req.destroy(new Error('request timed out'));
        });

        req.write(postData);
        req.end();
    });
}
// ============ END LICENSE WRAPPER ============
`
