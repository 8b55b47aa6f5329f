package gridpack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// powhegBuilder assembles Powheg input files: a single powheg.input
// glued from the run card template and the model parameters, plus a
// process.dat naming the process.
type powhegBuilder struct {
	e *Entity
}

func (p *powhegBuilder) prepareJobFiles(dir string) error {
	runCard, err := p.RunCard()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "powheg.input"), []byte(runCard), 0644); err != nil {
		return fmt.Errorf("failed to write powheg.input: %w", err)
	}

	processCard, err := p.CustomizeCard()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "process.dat"), []byte(processCard), 0644); err != nil {
		return fmt.Errorf("failed to write process.dat: %w", err)
	}

	return nil
}

// RunCard concatenates the customized run card template and the
// customized model parameters, separated by a blank line
func (p *powhegBuilder) RunCard() (string, error) {
	dataset, err := p.e.DatasetDict()
	if err != nil {
		return "", err
	}
	campaign, err := p.e.CampaignDict()
	if err != nil {
		return "", err
	}

	templateName, _ := dataset["template"].(string)
	if templateName == "" {
		return "", fmt.Errorf("dataset descriptor has no template")
	}
	modelParamsName, _ := dataset["model_params"].(string)
	if modelParamsName == "" {
		return "", fmt.Errorf("dataset descriptor has no model_params")
	}

	templateVars := mapValue(dataset, "template_vars")
	templateVars["ebeam1"] = campaign["beam"]
	templateVars["ebeam2"] = campaign["beam"]
	for k, v := range mapValue(campaign, "template_vars") {
		templateVars[k] = v
	}

	runCard, err := CustomizeFile(
		filepath.Join(p.e.TemplatesPath(), templateName),
		stringList(dataset["template_user"]),
		templateVars,
	)
	if err != nil {
		return "", err
	}

	modelParamsVars := mapValue(dataset, "model_params_vars")
	for k, v := range mapValue(campaign, "model_params_vars") {
		modelParamsVars[k] = v
	}

	modelParams, err := CustomizeFile(
		filepath.Join(p.e.ModelParamsPath(), modelParamsName),
		stringList(dataset["model_params_user"]),
		modelParamsVars,
	)
	if err != nil {
		return "", err
	}

	return runCard + "\n" + modelParams, nil
}

// CustomizeCard is the process name, the stem of the template file
func (p *powhegBuilder) CustomizeCard() (string, error) {
	dataset, err := p.e.DatasetDict()
	if err != nil {
		return "", err
	}
	templateName, _ := dataset["template"].(string)
	if templateName == "" {
		return "", fmt.Errorf("dataset descriptor has no template")
	}
	stem, _, _ := strings.Cut(templateName, ".")
	return stem, nil
}
