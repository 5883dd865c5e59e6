package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand_PrintsVersionInfo(t *testing.T) {
	oldVersion, oldCommit, oldDate := appVersion, appCommit, appDate
	defer func() { appVersion, appCommit, appDate = oldVersion, oldCommit, oldDate }()
	appVersion, appCommit, appDate = "v9.9.9", "deadbeef", "2026-07-31"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	text := out.String()
	for _, want := range []string{"v9.9.9", "deadbeef", "2026-07-31"} {
		if !strings.Contains(text, want) {
			t.Errorf("version output missing %q: %s", want, text)
		}
	}
}
