package shell

import "strings"

// Sentinel precedes the decimal exit status the shell prints before every
// prompt once InitScript has run.
const Sentinel = "TERMINAL_EXIT_CODE:"

// The sentinel is assembled from two fragments inside the shell so that the
// terminal echo of the script itself never contains it.
const (
	sentinelHead = "TERMINAL_EXIT"
	sentinelTail = "_CODE:"
)

// InitScript returns shell source that reconfigures the prompt hook of the
// given shell family to print Sentinel followed by the previous command's exit
// status and a line terminator before each prompt.
func InitScript(kind Kind) []byte {
	switch kind {
	case KindWindows:
		return []byte(strings.Join(powershellInit, "\r\n") + "\r\n")
	case KindDarwin:
		return []byte(strings.Join(zshInit, "\n") + "\n")
	default:
		return []byte(strings.Join(bashInit, "\n") + "\n")
	}
}

var bashInit = []string{
	"__gw_marker='" + sentinelHead + "''" + sentinelTail + "'",
	`PROMPT_COMMAND='printf "%s%s\n" "$__gw_marker" "$?"'`,
	"PS1='$ '",
	"stty -echo",
	"clear",
	"stty echo",
}

var zshInit = []string{
	"__gw_marker='" + sentinelHead + "''" + sentinelTail + "'",
	"preexec() { }",
	`precmd() { printf '%s%s\n' "$__gw_marker" "$?"; }`,
	"PS1='$ '",
	"clear",
}

var powershellInit = []string{
	"$global:__gwMarker = '" + sentinelHead + "' + '" + sentinelTail + "'",
	"function global:prompt {",
	"  $ok = $?",
	"  $code = $global:LASTEXITCODE",
	"  $exitCode = 0",
	"  if (-not $ok) { $exitCode = 1; if ($null -ne $code -and $code -ne 0) { $exitCode = $code } }",
	`  Write-Host "$($global:__gwMarker)$exitCode"`,
	`  return "PS > "`,
	"}",
	"Clear-Host",
}
