package ssh

// EnableCAFEnv loads the environment for submitting to the CMS CAF
// HTCondor pool
const EnableCAFEnv = "module load lxbatch/tzero"

// CondorExecutor opens sessions prepared for HTCondor operations.
// When the deployment targets the CMS CAF pool, every command sequence
// is prefixed with the pool environment loader.
type CondorExecutor struct {
	*Executor
	CAF bool
}

// NewCondorExecutor wraps an executor for HTCondor use
func NewCondorExecutor(executor *Executor, caf bool) *CondorExecutor {
	return &CondorExecutor{Executor: executor, CAF: caf}
}

// NewSession returns a session that applies the pool environment
func (e *CondorExecutor) NewSession() Session {
	session := e.Executor.NewSession()
	if !e.CAF {
		return session
	}
	return &condorSession{Session: session}
}

type condorSession struct {
	Session
}

func (c *condorSession) Execute(commands ...string) (string, string, int, error) {
	return c.Session.Execute(append([]string{EnableCAFEnv}, commands...)...)
}
