package ssh

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSession struct {
	executed []string
	closed   bool
}

func (s *recordingSession) Execute(commands ...string) (string, string, int, error) {
	s.executed = append(s.executed, strings.Join(commands, "; "))
	return "", "", 0, nil
}

func (s *recordingSession) UploadFile(local, remote string) bool          { return true }
func (s *recordingSession) UploadData(content []byte, remote string) bool { return true }
func (s *recordingSession) DownloadFile(remote, local string) bool        { return true }
func (s *recordingSession) DownloadString(remote string) (string, bool)   { return "", true }
func (s *recordingSession) Close()                                        { s.closed = true }

func TestCondorSessionPrefixesCAFEnv(t *testing.T) {
	recording := &recordingSession{}
	session := &condorSession{Session: recording}

	session.Execute("condor_q", "echo done")
	assert.Equal(t, []string{EnableCAFEnv + "; condor_q; echo done"}, recording.executed)

	session.Close()
	assert.True(t, recording.closed)
}

func TestCondorExecutorWithoutCAF(t *testing.T) {
	executor := NewCondorExecutor(NewExecutor("host", "user", "password"), false)
	session := executor.NewSession()
	_, isWrapped := session.(*condorSession)
	assert.False(t, isWrapped)
}

func TestCondorExecutorWithCAF(t *testing.T) {
	executor := NewCondorExecutor(NewExecutor("host", "user", "password"), true)
	session := executor.NewSession()
	_, isWrapped := session.(*condorSession)
	assert.True(t, isWrapped)
}
