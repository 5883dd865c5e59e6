package contract

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nibbler-dev/nibbler/internal/core"
)

// teamFile mirrors team.yaml: roles and the scope overlap declarations.
type teamFile struct {
	Roles        []Role        `yaml:"roles"`
	SharedScopes []SharedScope `yaml:"sharedScopes"`
}

// phasesFile mirrors phases.yaml: the phase graph, gates, and the job's
// wall-clock budget.
type phasesFile struct {
	Phases         []Phase        `yaml:"phases"`
	Gates          []Gate         `yaml:"gates"`
	GlobalLifetime GlobalLifetime `yaml:"globalLifetime"`
}

// Load reads team.yaml and phases.yaml from dir, merges them into a
// Contract, and validates it. A non-nil error is either a file/parse
// error or a *ValidationErrors from Validate.
func Load(dir string) (*Contract, error) {
	team, err := loadTeamFile(filepath.Join(dir, "team.yaml"))
	if err != nil {
		return nil, err
	}
	phases, err := loadPhasesFile(filepath.Join(dir, "phases.yaml"))
	if err != nil {
		return nil, err
	}

	c := &Contract{
		RolesList:      team.Roles,
		SharedScopes:   team.SharedScopes,
		Phases:         phases.Phases,
		GatesList:      phases.Gates,
		GlobalLifetime: phases.GlobalLifetime,
	}

	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func loadTeamFile(path string) (*teamFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.ErrValidation(core.CodeContractInvalid, fmt.Sprintf("reading %s", path)).WithCause(err)
	}
	var tf teamFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, core.ErrValidation(core.CodeContractInvalid, fmt.Sprintf("parsing %s", path)).WithCause(err)
	}
	return &tf, nil
}

func loadPhasesFile(path string) (*phasesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.ErrValidation(core.CodeContractInvalid, fmt.Sprintf("reading %s", path)).WithCause(err)
	}
	var pf phasesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, core.ErrValidation(core.CodeContractInvalid, fmt.Sprintf("parsing %s", path)).WithCause(err)
	}
	return &pf, nil
}
