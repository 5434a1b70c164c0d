// File: internal/pipeline/commands.go
// Brief: Shell command templates for each step.

package pipeline

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// Command template keys.
const (
	CmdRebase                = "rebase"
	CmdPush                  = "push"
	CmdClean                 = "clean"
	CmdWorkspaceInstall      = "workspace-install"
	CmdWorkspaceInstallRetry = "workspace-install-retry"
	CmdInstallReset          = "install-reset"
	CmdInstall               = "install"
	CmdInstallDev            = "install-dev"
	CmdBuild                 = "build"
	CmdDeploy                = "deploy"
	CmdPack                  = "pack"
	CmdTest                  = "test"
)

var defaultCommands = map[string]string{
	CmdRebase:                `git fetch origin && git reset --hard HEAD && {{if .DefaultBranch}}git rebase {{quote (printf "origin/%s" .DefaultBranch)}}{{else}}git pull --rebase{{end}}`,
	CmdPush:                  `git push --force-with-lease origin {{quote .CurrentBranch}}`,
	CmdClean:                 `git reset --hard HEAD && git clean -fdX && rm -f *.tsbuildinfo`,
	CmdWorkspaceInstall:      `npm install`,
	CmdWorkspaceInstallRetry: `npm clean-install`,
	CmdInstallReset:          `git clean -fdX && npm clean-install`,
	CmdInstall:               `npm install{{range .Args}} {{quote .}}{{end}}`,
	CmdInstallDev:            `npm install -D{{range .Args}} {{quote .}}{{end}}`,
	CmdBuild:                 `npm run build`,
	CmdDeploy:                `npm run deploy --ignore-scripts`,
	CmdPack:                  `npm pack`,
	CmdTest:                  `npm run {{quote .Script}}`,
}

// CommandData is the template input.
type CommandData struct {
	Package       string
	Path          string
	DefaultBranch string
	CurrentBranch string
	Args          []string
	Script        string
}

// Commands renders step commands from templates.
type Commands struct {
	templates map[string]*template.Template
}

// DefaultCommandKeys lists every template key, sorted.
func DefaultCommandKeys() []string {
	keys := make([]string, 0, len(defaultCommands))
	for k := range defaultCommands {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewCommands parses the default templates with overrides applied.
func NewCommands(overrides map[string]string) (*Commands, error) {
	merged := make(map[string]string, len(defaultCommands))
	for k, v := range defaultCommands {
		merged[k] = v
	}
	for k, v := range overrides {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, ok := defaultCommands[key]; !ok {
			return nil, fmt.Errorf("unknown command %q (expected one of %s)", k, strings.Join(DefaultCommandKeys(), ", "))
		}
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("command %q is empty", k)
		}
		merged[key] = v
	}
	c := &Commands{templates: make(map[string]*template.Template, len(merged))}
	funcs := template.FuncMap{"quote": shellQuote}
	for k, v := range merged {
		tmpl, err := template.New(k).Option("missingkey=error").Funcs(funcs).Parse(v)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", k, err)
		}
		c.templates[k] = tmpl
	}
	return c, nil
}

// Render produces the shell script for key.
func (c *Commands) Render(key string, data CommandData) (string, error) {
	tmpl, ok := c.templates[key]
	if !ok {
		return "", fmt.Errorf("unknown command %q", key)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", key, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@%+=:,./-_^", r):
		default:
			safe = false
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
