package alerting

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// LoadRulesFromFile loads alert rules from a YAML file.
func LoadRulesFromFile(path string) ([]*Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	return LoadRules(f)
}

// LoadRules loads alert rules from a reader.
func LoadRules(r io.Reader) ([]*Rule, error) {
	var config RulesConfig
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("rules file is empty")
		}
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	return compileSpecs(config.Rules)
}

// LoadRulesFromBytes loads alert rules from YAML bytes.
func LoadRulesFromBytes(data []byte) ([]*Rule, error) {
	var config RulesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	return compileSpecs(config.Rules)
}

func compileSpecs(specs []*RuleSpec) ([]*Rule, error) {
	rules := make([]*models.AlertRule, 0, len(specs))
	for i, spec := range specs {
		r, err := spec.ToModel()
		if err != nil {
			return nil, fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return CompileRules(rules)
}

// RuleLister lists rules kept in the store.
type RuleLister interface {
	List(ctx context.Context) ([]*models.AlertRule, error)
}

// LoadRulesFromStore loads and compiles the rules kept in the store.
func LoadRulesFromStore(ctx context.Context, repo RuleLister) ([]*Rule, error) {
	rules, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return CompileRules(rules)
}

const reloadDelay = 100 * time.Millisecond

// WatchRules reloads path whenever it changes and passes the new rule set to
// apply. A file that fails to load leaves the previous rule set in place.
// It runs until ctx is canceled.
func WatchRules(ctx context.Context, path string, apply func([]*Rule)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic saves replace the file's inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	log.Printf("[alerting] watching %s for rule changes", path)

	// Editors emit several events per save; reload once they settle.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(reloadDelay)

		case <-debounce.C:
			rules, err := LoadRulesFromFile(path)
			if err != nil {
				log.Printf("[alerting] rules reload failed, keeping previous rule set: %v", err)
				continue
			}
			log.Printf("[alerting] reloaded %d rules from %s", len(rules), path)
			apply(rules)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[alerting] watcher error: %v", err)
		}
	}
}
