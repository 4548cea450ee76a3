package interpreter

import _ "embed"

// ServerScript is the in-sandbox Interpreter Server, written into a
// fresh interactive-language sandbox's scratch directory by the Sandbox
// Manager at construction time and run as the sandbox's main process.
//
//go:embed server.py
var ServerScript []byte

// ServerScriptName is the filename the script is staged under inside
// the sandbox scratch directory.
const ServerScriptName = "_interpreter_server.py"
