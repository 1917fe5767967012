package kmipclient

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// VaultClient reads and writes the master key in a HashiCorp Vault KV
// version 2 secrets engine, as an alternative to a KMIP server. Keys are
// stored base64-encoded under the "key" field of the secret.
//
// Writes never overwrite an existing entry: the KV v2 engine creates a new
// version on every write, and WriteKey returns that version.
type VaultClient struct {
	// ServerName and Port locate the Vault server.
	ServerName string
	Port       int

	// Token authenticates every request.
	Token string

	// ServerCAFile is a PEM file with the CA certificates the server's
	// certificate is verified against. Empty means the system pool.
	ServerCAFile string

	// DisableTLS talks plain HTTP; for testing only.
	DisableTLS bool

	// Timeout bounds each request. Zero means no bound.
	Timeout time.Duration

	client *resty.Client
}

type vaultKeyData struct {
	Key string `json:"key"`
}

type vaultReadAPIResponse struct {
	Data struct {
		Data vaultKeyData `json:"data"`
	} `json:"data"`
}

type vaultWriteAPIRequest struct {
	Data vaultKeyData `json:"data"`
}

type vaultWriteAPIResponse struct {
	Data struct {
		Version uint64 `json:"version"`
	} `json:"data"`
}

func (v *VaultClient) baseURL() string {
	scheme := "https"
	if v.DisableTLS {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(v.ServerName, strconv.Itoa(v.Port)))
}

func (v *VaultClient) request() *resty.Request {
	if v.client == nil {
		v.client = resty.New().SetTimeout(v.Timeout)
		if v.ServerCAFile != "" {
			v.client.SetRootCertificate(v.ServerCAFile)
		}
	}
	return v.client.R().
		SetHeader("X-Vault-Token", v.Token).
		SetHeader("Content-Type", "application/json")
}

// ReadKey reads the base64-encoded key stored at secretPath, e.g.
// "secret/data/app/master-key". A secretVersion of zero reads the most
// recent version.
func (v *VaultClient) ReadKey(secretPath string, secretVersion uint64) (string, error) {
	req := v.request()
	if secretVersion != 0 {
		req.SetQueryParam("version", strconv.FormatUint(secretVersion, 10))
	}

	apiResp, err := req.Get(fmt.Sprintf("%s/v1/%s", v.baseURL(), strings.TrimPrefix(secretPath, "/")))
	if err != nil {
		return "", errors.Wrap(err, "failed to make GET request")
	}
	if apiResp.StatusCode() != http.StatusOK {
		return "", errors.Errorf("unexpected status code: %d", apiResp.StatusCode())
	}

	var result vaultReadAPIResponse
	if err := json.Unmarshal(apiResp.Body(), &result); err != nil {
		return "", errors.Wrap(err, "failed to decode response")
	}
	if result.Data.Data.Key == "" {
		return "", errors.Errorf("secret at %s has no key field", secretPath)
	}

	return result.Data.Data.Key, nil
}

// WriteKey stores the base64-encoded key at secretPath and returns the
// version of the newly created entry.
func (v *VaultClient) WriteKey(secretPath string, key string) (uint64, error) {
	payload := vaultWriteAPIRequest{Data: vaultKeyData{Key: key}}

	apiResp, err := v.request().
		SetBody(payload).
		Post(fmt.Sprintf("%s/v1/%s", v.baseURL(), strings.TrimPrefix(secretPath, "/")))
	if err != nil {
		return 0, errors.Wrap(err, "failed to make POST request")
	}
	if apiResp.StatusCode() != http.StatusOK {
		return 0, errors.Errorf("unexpected status code: %d", apiResp.StatusCode())
	}

	var result vaultWriteAPIResponse
	if err := json.Unmarshal(apiResp.Body(), &result); err != nil {
		return 0, errors.Wrap(err, "failed to decode response")
	}
	if result.Data.Version == 0 {
		return 0, errors.New("write response carries no secret version")
	}

	return result.Data.Version, nil
}
