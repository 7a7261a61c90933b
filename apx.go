// Package apx lets an application binary embed the apx dev tooling.
//
// The backend runs inside the supervisor process, so a project builds its own
// apx binary: it registers its application factory and hands control to Main.
//
//	func main() {
//		apx.RegisterApp("demo.app:app", func(env apx.AppEnv) (http.Handler, error) {
//			return app.New(env.Logger), nil
//		})
//		apx.Main()
//	}
package apx

import (
	"os"

	"github.com/databricks-solutions/apx/internal/backend"
	"github.com/databricks-solutions/apx/internal/cli"
)

// Re-export the application types for embedders.

type AppEnv = backend.AppEnv

type Factory = backend.Factory

// RegisterApp makes factory available under ref, the value of app-module in
// pyproject.toml. It panics on a malformed or duplicate ref.
func RegisterApp(ref string, factory Factory) { backend.Apps.Register(ref, factory) }

// RegisteredApps lists the registered app references.
func RegisteredApps() []string { return backend.Apps.Refs() }

// Main runs the apx command line and exits.
func Main() { os.Exit(cli.Execute()) }

// SetVersion sets the version reported by the command line.
func SetVersion(v string) { cli.Version = v }
