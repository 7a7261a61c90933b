package apx

import (
	"io"
	"net/http"
	"slices"
	"testing"
)

func TestRegisterApp(t *testing.T) {
	RegisterApp("facade.app:app", func(AppEnv) (http.Handler, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}), nil
	})
	if !slices.Contains(RegisteredApps(), "facade.app:app") {
		t.Fatalf("app not registered: %v", RegisteredApps())
	}
}

func TestRegisterAppRejectsBadRef(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a reference without attribute")
		}
	}()
	RegisterApp("no-attribute", func(AppEnv) (http.Handler, error) { return nil, nil })
}
