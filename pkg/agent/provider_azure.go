package agent

import (
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
)

// DefaultAzureAPIVersion is used when AzureOptions.APIVersion is empty.
const DefaultAzureAPIVersion = "2024-06-01"

// AzureOptions addresses an Azure OpenAI resource. Without an API key the
// client authenticates as an app registration with a PEM client certificate.
type AzureOptions struct {
	Endpoint        string
	APIVersion      string
	TenantID        string
	ClientID        string
	CertificatePath string
}

// NewAzureProvider returns a chat-completions provider bound to an Azure
// OpenAI resource. The configured model is the deployment name.
func NewAzureProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	az := cfg.Azure
	if az.Endpoint == "" {
		return nil, errors.New("azure endpoint is required")
	}
	version := az.APIVersion
	if version == "" {
		version = DefaultAzureAPIVersion
	}

	auth, err := azureAuth(cfg)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		azure.WithEndpoint(az.Endpoint, version),
		auth,
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		name:   "azure",
	}, nil
}

func azureAuth(cfg ProviderConfig) (option.RequestOption, error) {
	if cfg.APIKey != "" {
		return azure.WithAPIKey(cfg.APIKey), nil
	}

	az := cfg.Azure
	if az.TenantID == "" || az.ClientID == "" || az.CertificatePath == "" {
		return nil, errors.New("azure provider needs an api key or a tenant id, client id and certificate path")
	}
	pem, err := os.ReadFile(az.CertificatePath)
	if err != nil {
		return nil, fmt.Errorf("read azure certificate: %w", err)
	}
	certs, key, err := azidentity.ParseCertificates(pem, nil)
	if err != nil {
		return nil, fmt.Errorf("parse azure certificate: %w", err)
	}
	cred, err := azidentity.NewClientCertificateCredential(az.TenantID, az.ClientID, certs, key, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client certificate credential: %w", err)
	}
	return azure.WithTokenCredential(cred), nil
}
