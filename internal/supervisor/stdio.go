package supervisor

import (
	"io"
	"log"
	"os"

	"golang.org/x/sync/errgroup"
)

// redirectStdio points os.Stdout, os.Stderr and the standard logger at pipes
// drained into out and errw, so output printed by the in-process backend
// lands in the log buffer. restore puts the original files back and waits
// until both pipes are drained.
func redirectStdio(out, errw io.Writer) (restore func(), err error) {
	rOut, wOut, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	rErr, wErr, err := os.Pipe()
	if err != nil {
		_ = rOut.Close()
		_ = wOut.Close()
		return nil, err
	}
	origOut, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = wOut, wErr
	log.SetOutput(wErr)

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(out, rOut)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(errw, rErr)
		return err
	})
	return func() {
		os.Stdout, os.Stderr = origOut, origErr
		log.SetOutput(origErr)
		_ = wOut.Close()
		_ = wErr.Close()
		_ = g.Wait()
		_ = rOut.Close()
		_ = rErr.Close()
	}, nil
}
