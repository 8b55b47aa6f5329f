// Package template exposes read-only cached views over the
// GridpackFiles checkout: campaigns, generator cards, tunes and the
// upstream generator-productions branches. The caches are rebuilt by a
// periodic refresh that pulls the checkout.
package template

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"github.com/cms-pdmv/gridpack-machine/pkg/log"
)

const (
	defaultAPIBase = "https://api.github.com"

	// GitHub branch listing pagination
	maxBranchPages  = 25
	branchesPerPage = 30
)

// Campaign is the cached view of one campaign descriptor
type Campaign struct {
	Generators []string `json:"generators"`
	Tune       string   `json:"tune"`
}

// Snapshot is the full cached tree served to API consumers
type Snapshot struct {
	Campaigns map[string]Campaign            `json:"campaigns"`
	Cards     map[string]map[string][]string `json:"cards"`
	Branches  []string                       `json:"branches"`
	Tunes     []string                       `json:"tunes"`
}

// Repository caches catalog views over the GridpackFiles checkout
type Repository struct {
	// FilesDir is the local GridpackFiles checkout
	FilesDir string
	// GenRepository is the GitHub id of the generator productions repo
	GenRepository string
	// OriginURL is the expected remote origin of the checkout
	OriginURL string
	// TickPause rate-limits refreshes
	TickPause time.Duration

	// APIBase and Client may be overridden in tests
	APIBase string
	Client  *http.Client

	logger zerolog.Logger

	mu          sync.RWMutex
	campaigns   map[string]Campaign
	cards       map[string]map[string][]string
	tunes       []string
	branches    []string
	lastRefresh time.Time
}

// NewRepository creates a repository over the given checkout
func NewRepository(filesDir, genRepository, originURL string, tickPause time.Duration) *Repository {
	return &Repository{
		FilesDir:      filesDir,
		GenRepository: genRepository,
		OriginURL:     originURL,
		TickPause:     tickPause,
		APIBase:       defaultAPIBase,
		Client:        cleanhttp.DefaultClient(),
		logger:        log.WithComponent("template"),
		campaigns:     map[string]Campaign{},
		cards:         map[string]map[string][]string{},
	}
}

// Refresh pulls the checkout and rebuilds every cache. Unless forced,
// refreshes happening within the tick pause are skipped.
func (r *Repository) Refresh(force bool) error {
	r.mu.RLock()
	last := r.lastRefresh
	r.mu.RUnlock()

	if !force && time.Since(last) < r.TickPause {
		r.logger.Info().Msg("Not refreshing repository, last refresh happened recently")
		return nil
	}

	branches, err := r.fetchBranches()
	if err != nil {
		return fmt.Errorf("failed to fetch branches: %w", err)
	}
	// Newest branches first
	for i, j := 0, len(branches)-1; i < j; i, j = i+1, j-1 {
		branches[i], branches[j] = branches[j], branches[i]
	}

	if err := r.pull(); err != nil {
		return err
	}

	if err := r.ReloadLocal(); err != nil {
		return err
	}

	r.mu.Lock()
	r.branches = branches
	r.lastRefresh = time.Now()
	r.mu.Unlock()
	return nil
}

// ReloadLocal rebuilds the campaign, cards and tunes caches from the
// checkout on disk
func (r *Repository) ReloadLocal() error {
	campaigns, err := r.loadCampaigns()
	if err != nil {
		return err
	}
	cards, err := r.loadCards()
	if err != nil {
		return err
	}
	tunes, err := r.loadTunes()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.campaigns = campaigns
	r.cards = cards
	r.tunes = tunes
	r.mu.Unlock()
	return nil
}

// pull updates the checkout after verifying its remote origin
func (r *Repository) pull() error {
	origin, err := r.git("remote", "get-url", "origin")
	if err != nil {
		return fmt.Errorf("unable to check repository origin: %w", err)
	}
	if strings.TrimSpace(origin) != r.OriginURL {
		return fmt.Errorf("remote origin does not match, got %q, expected %q",
			strings.TrimSpace(origin), r.OriginURL)
	}

	if _, err := r.git("checkout", "."); err != nil {
		return fmt.Errorf("unable to update the repository: %w", err)
	}
	if _, err := r.git("pull"); err != nil {
		return fmt.Errorf("unable to update the repository: %w", err)
	}
	return nil
}

func (r *Repository) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.FilesDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// fetchBranches lists the upstream repository branches through the
// GitHub API, page by page
func (r *Repository) fetchBranches() ([]string, error) {
	var all []string
	for page := 1; page <= maxBranchPages; page++ {
		url := fmt.Sprintf("%s/repos/%s/branches?per_page=%d&page=%d",
			r.APIBase, r.GenRepository, branchesPerPage, page)
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")

		resp, err := r.Client.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("branch listing returned %d: %s", resp.StatusCode, string(body))
		}

		var entries []struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, err
		}

		var names []string
		for _, e := range entries {
			if e.Name != "" {
				names = append(names, e.Name)
			}
		}
		r.logger.Debug().
			Int("count", len(names)).
			Int("page", page).
			Str("repository", r.GenRepository).
			Msg("Fetched branch page")
		if len(names) == 0 {
			break
		}
		all = append(all, names...)
	}

	r.logger.Debug().
		Int("total", len(all)).
		Str("repository", r.GenRepository).
		Msg("Fetched branches")
	return all, nil
}

// loadCampaigns scans Campaigns/<name>/ directories; each holds the
// campaign descriptor and one directory per available generator
func (r *Repository) loadCampaigns() (map[string]Campaign, error) {
	campaigns := map[string]Campaign{}
	campaignsDir := filepath.Join(r.FilesDir, "Campaigns")
	names, err := subdirectories(campaignsDir)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		campaignPath := filepath.Join(campaignsDir, name)
		generators, err := subdirectories(campaignPath)
		if err != nil {
			return nil, err
		}

		data, err := os.ReadFile(filepath.Join(campaignPath, name+".json"))
		if err != nil {
			return nil, fmt.Errorf("failed to read campaign descriptor: %w", err)
		}
		var descriptor struct {
			Tune string `json:"tune"`
		}
		if err := json.Unmarshal(data, &descriptor); err != nil {
			return nil, fmt.Errorf("failed to parse campaign descriptor %s: %w", name, err)
		}

		campaigns[name] = Campaign{
			Generators: generators,
			Tune:       descriptor.Tune,
		}
	}
	return campaigns, nil
}

// loadCards scans Cards/<generator>/<process>/<dataset> directories
func (r *Repository) loadCards() (map[string]map[string][]string, error) {
	cards := map[string]map[string][]string{}
	cardsDir := filepath.Join(r.FilesDir, "Cards")
	generators, err := subdirectories(cardsDir)
	if err != nil {
		return nil, err
	}

	for _, generator := range generators {
		generatorPath := filepath.Join(cardsDir, generator)
		processes, err := subdirectories(generatorPath)
		if err != nil {
			return nil, err
		}
		for _, process := range processes {
			datasets, err := subdirectories(filepath.Join(generatorPath, process))
			if err != nil {
				return nil, err
			}
			if cards[generator] == nil {
				cards[generator] = map[string][]string{}
			}
			cards[generator][process] = datasets
		}
	}
	return cards, nil
}

// loadTunes reads the distinct tunes from the fragment imports table
func (r *Repository) loadTunes() ([]string, error) {
	importsPath := filepath.Join(r.FilesDir, "Fragments", "imports.json")
	data, err := os.ReadFile(importsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var imports struct {
		Tune map[string]any `json:"tune"`
	}
	if err := json.Unmarshal(data, &imports); err != nil {
		return nil, fmt.Errorf("failed to parse imports table: %w", err)
	}

	tunes := make([]string, 0, len(imports.Tune))
	for tune := range imports.Tune {
		tunes = append(tunes, tune)
	}
	sort.Strings(tunes)
	return tunes, nil
}

// Branches lists the cached upstream branches
func (r *Repository) Branches() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.branches...)
}

// CampaignGenerators lists the generators available in a campaign
func (r *Repository) CampaignGenerators(campaign string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[campaign]
	if !ok {
		return nil, false
	}
	return append([]string{}, c.Generators...), true
}

// Datasets lists the datasets of a generator process
func (r *Repository) Datasets(generator, process string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	processes, ok := r.cards[generator]
	if !ok {
		return nil, false
	}
	datasets, ok := processes[process]
	if !ok {
		return nil, false
	}
	return append([]string{}, datasets...), true
}

// Tree returns the full cached view
func (r *Repository) Tree() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	campaigns := make(map[string]Campaign, len(r.campaigns))
	for name, c := range r.campaigns {
		campaigns[name] = c
	}
	cards := make(map[string]map[string][]string, len(r.cards))
	for generator, processes := range r.cards {
		cards[generator] = processes
	}

	return Snapshot{
		Campaigns: campaigns,
		Cards:     cards,
		Branches:  append([]string{}, r.branches...),
		Tunes:     append([]string{}, r.tunes...),
	}
}

func subdirectories(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
