package webapp

import (
	"io/fs"
	"strings"
	"testing"
)

func read(t *testing.T, name string) string {
	t.Helper()
	data, err := fs.ReadFile(Assets, name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

// Every write must go through the helpers that log in on a 401; a plain
// form submission would land on the raw JSON error.
func TestWritesGoThroughLoginRetry(t *testing.T) {
	app := read(t, "app.js")
	for _, fn := range []string{"function withLogin(", "function post(", "function postMultipart("} {
		if !strings.Contains(app, fn) {
			t.Errorf("app.js missing %s", fn)
		}
	}

	pages := map[string][]string{
		"settings.html": {"post('/wifi_add'", "post('/wifi_clear'", "postMultipart('/update'", "addEventListener('submit', uploadFirmware)"},
		"sd.html":       {"post('/sd_delete'"},
	}
	for page, calls := range pages {
		body := read(t, page)
		for _, call := range calls {
			if !strings.Contains(body, call) {
				t.Errorf("%s: missing %s", page, call)
			}
		}
	}
}
