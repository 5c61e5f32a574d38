package identity

import (
	"os/exec"
	"runtime"
)

// openBrowser launches the system browser at url. Popup-mode sign-in uses
// this by default; hosts embed their own opener via WithBrowserOpener.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
