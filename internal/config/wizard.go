package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading from stdin
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard over arbitrary streams
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the model provider and the optional integrations.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== DataLens Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	provider, err := w.ask("LLM provider (openai/anthropic/azure)", cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	switch provider {
	case "openai":
	case "anthropic":
		cfg.LLM.Model = "claude-sonnet-4-20250514"
	case "azure":
		cfg.LLM.Model = "gpt-4"
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
	cfg.LLM.Provider = provider

	if provider == "azure" {
		if err := w.runAzure(cfg, validator); err != nil {
			return nil, err
		}
	} else {
		for {
			key, err := w.ask("API key", "")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, provider); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.LLM.APIKey = key
			break
		}
	}

	model := "Model"
	if provider == "azure" {
		model = "Deployment name"
	}
	if cfg.LLM.Model, err = w.ask(model, cfg.LLM.Model); err != nil {
		return nil, err
	}

	if ok, err := w.confirm("Enable Splunk tools?"); err != nil {
		return nil, err
	} else if ok {
		cfg.Splunk.Enabled = true
		if cfg.Splunk.Host, err = w.ask("Splunk host", ""); err != nil {
			return nil, err
		}
		port, err := w.ask("Splunk management port", strconv.Itoa(cfg.Splunk.Port))
		if err != nil {
			return nil, err
		}
		if cfg.Splunk.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", port, err)
		}
		if cfg.Splunk.Username, err = w.ask("Splunk username", ""); err != nil {
			return nil, err
		}
		if cfg.Splunk.Password, err = w.ask("Splunk password", ""); err != nil {
			return nil, err
		}
	}

	if ok, err := w.confirm("Enable Bitbucket tools?"); err != nil {
		return nil, err
	} else if ok {
		cfg.Bitbucket.Enabled = true
		for {
			base, err := w.ask("Bitbucket base URL", "")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateURL(base); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Bitbucket.BaseURL = base
			break
		}
		if cfg.Bitbucket.Token, err = w.ask("Bitbucket access token", ""); err != nil {
			return nil, err
		}
		if cfg.Bitbucket.DefaultProject, err = w.ask("Default project key", ""); err != nil {
			return nil, err
		}
	}

	if ok, err := w.confirm("Enable Outlook tools?"); err != nil {
		return nil, err
	} else if ok {
		cfg.Outlook.Enabled = true
		if cfg.Outlook.SharedMailboxEmail, err = w.ask("Shared mailbox address (optional)", ""); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// runAzure asks for the resource endpoint and then either an API key or,
// when the key is left blank, the client certificate sign-in.
func (w *Wizard) runAzure(cfg *Config, validator *Validator) error {
	az := &cfg.LLM.Azure
	for {
		endpoint, err := w.ask("Azure OpenAI endpoint", "")
		if err != nil {
			return err
		}
		if err := validator.ValidateURL(endpoint); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		az.Endpoint = endpoint
		break
	}

	var err error
	if cfg.LLM.APIKey, err = w.ask("API key (blank for client certificate)", ""); err != nil {
		return err
	}
	if cfg.LLM.APIKey != "" {
		return nil
	}
	if az.TenantID, err = w.ask("Tenant ID", ""); err != nil {
		return err
	}
	if az.ClientID, err = w.ask("Client ID", ""); err != nil {
		return err
	}
	if az.CertificatePath, err = w.ask("PEM certificate path", ""); err != nil {
		return err
	}
	if az.TenantID == "" || az.ClientID == "" || az.CertificatePath == "" {
		return fmt.Errorf("tenant id, client id and certificate path are required without an API key")
	}
	return nil
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) confirm(prompt string) (bool, error) {
	answer, err := w.ask(prompt+" (y/N)", "")
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
