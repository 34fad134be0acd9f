package logging

import "os"

// stdoutSyncer writes to stdout and swallows the EINVAL that Sync returns
// on terminals.
type stdoutSyncer struct{}

func (s *stdoutSyncer) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (s *stdoutSyncer) Sync() error {
	return nil
}
