package cluster

import "github.com/rs/zerolog/log"

// Detect probes the host for scheduler tooling and picks a backend: Slurm if
// sbatch is installed, Torque if qsub is, Local otherwise. Missing tools are
// never an error; Local is a valid outcome.
func Detect(r Runner) Backend {
	var backend Backend
	switch {
	case lookPathOK(r, "sbatch"):
		backend = Slurm
	case lookPathOK(r, "qsub"):
		backend = Torque
	default:
		backend = Local
	}
	if backend == Local {
		log.Debug().Msg("no cluster environment detected, using the local worker pool")
	} else {
		log.Debug().Str("backend", string(backend)).Msg("cluster environment detected, using it for submissions")
	}
	return backend
}

func lookPathOK(r Runner, tool string) bool {
	_, err := r.LookPath(tool)
	return err == nil
}
