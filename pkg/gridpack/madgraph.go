package gridpack

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// madgraphBuilder assembles MadGraph5_aMCatNLO input files: the dataset
// card files, a customized run card and a customized model card.
type madgraphBuilder struct {
	e *Entity
}

func (m *madgraphBuilder) prepareJobFiles(dir string) error {
	if err := m.copyDefaultCards(dir); err != nil {
		return err
	}

	runCard, err := m.RunCard()
	if err != nil {
		return err
	}
	runCardPath := filepath.Join(dir, m.e.Doc.Dataset+"_run_card.dat")
	if err := os.WriteFile(runCardPath, []byte(runCard), 0644); err != nil {
		return fmt.Errorf("failed to write run card: %w", err)
	}

	customizeCard, err := m.CustomizeCard()
	if err != nil {
		return err
	}
	customizePath := filepath.Join(dir, m.e.Doc.Dataset+"_customizecards.dat")
	if err := os.WriteFile(customizePath, []byte(customizeCard), 0644); err != nil {
		return fmt.Errorf("failed to write customize card: %w", err)
	}

	return nil
}

// copyDefaultCards copies all *.dat and any *_cuts.f files from the
// dataset card directory
func (m *madgraphBuilder) copyDefaultCards(dir string) error {
	cardsPath := m.e.CardsPath()
	for _, pattern := range []string{"*.dat", "*_cuts.f"} {
		matches, err := filepath.Glob(filepath.Join(cardsPath, pattern))
		if err != nil {
			return err
		}
		for _, source := range matches {
			target := filepath.Join(dir, filepath.Base(source))
			if err := copyFile(source, target); err != nil {
				return fmt.Errorf("failed to copy card %s: %w", source, err)
			}
		}
	}
	return nil
}

// RunCard customizes the campaign run card template with dataset and
// campaign variables plus the beam energies
func (m *madgraphBuilder) RunCard() (string, error) {
	dataset, err := m.e.DatasetDict()
	if err != nil {
		return "", err
	}
	campaign, err := m.e.CampaignDict()
	if err != nil {
		return "", err
	}

	templateName, _ := dataset["template"].(string)
	if templateName == "" {
		return "", fmt.Errorf("dataset descriptor has no template")
	}

	vars := mapValue(dataset, "template_vars")
	vars["ebeam1"] = campaign["beam"]
	vars["ebeam2"] = campaign["beam"]
	for k, v := range mapValue(campaign, "template_vars") {
		vars[k] = v
	}

	templatePath := filepath.Join(m.e.TemplatesPath(), templateName)
	return CustomizeFile(templatePath, stringList(dataset["template_user"]), vars)
}

// CustomizeCard customizes the model parameters card
func (m *madgraphBuilder) CustomizeCard() (string, error) {
	dataset, err := m.e.DatasetDict()
	if err != nil {
		return "", err
	}
	campaign, err := m.e.CampaignDict()
	if err != nil {
		return "", err
	}

	modelParamsName, _ := dataset["model_params"].(string)
	if modelParamsName == "" {
		return "", fmt.Errorf("dataset descriptor has no model_params")
	}

	vars := mapValue(dataset, "model_params_vars")
	for k, v := range mapValue(campaign, "model_params_vars") {
		vars[k] = v
	}

	modelParamsPath := filepath.Join(m.e.ModelParamsPath(), modelParamsName)
	return CustomizeFile(modelParamsPath, stringList(dataset["model_params_user"]), vars)
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
