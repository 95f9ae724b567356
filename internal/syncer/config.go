package syncer

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fclairamb/notesync/internal/vcs"
)

// Remote describes the repository notes are synced with.
type Remote struct {
	URL           string `json:"url"`
	DefaultBranch string `json:"default_branch"`
	// DisplayName is a human readable name of the repository, like "owner/notes".
	DisplayName string `json:"display_name,omitempty"`
}

// Validate validates the remote.
func (r Remote) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required),
		validation.Field(&r.DefaultBranch, validation.Required, validation.By(validBranchName)),
	)
}

// Config is the persisted sync configuration. Its presence enables syncing.
type Config struct {
	Remote Remote `json:"remote"`
	// SSHKey is a PEM encoded private key. When empty, SSH remotes use the SSH agent.
	SSHKey string `json:"ssh_key,omitempty"`
	// KnownHostsPath restricts accepted host keys of SSH remotes.
	KnownHostsPath string `json:"known_hosts_path,omitempty"`
	// Password is the password or token of HTTPS remotes.
	Password string `json:"password,omitempty"`
}

// Validate validates the configuration. Credentials must match the remote's transport.
func (c *Config) Validate() error {
	remote := c.RemoteConfig()
	return validation.ValidateStruct(c,
		validation.Field(&c.Remote),
		validation.Field(&c.Password, validation.When(remote.IsHTTP(), validation.Required).Else(validation.Empty)),
		validation.Field(&c.SSHKey, validation.When(!remote.IsSSH(), validation.Empty)),
		validation.Field(&c.KnownHostsPath, validation.When(!remote.IsSSH(), validation.Empty)),
	)
}

// RemoteConfig converts the configuration for the git layer.
func (c *Config) RemoteConfig() *vcs.RemoteConfig {
	var key []byte
	if c.SSHKey != "" {
		key = []byte(c.SSHKey)
	}
	return &vcs.RemoteConfig{
		URL:            c.Remote.URL,
		Branch:         c.Remote.DefaultBranch,
		SSHKey:         key,
		KnownHostsPath: c.KnownHostsPath,
		Password:       c.Password,
	}
}

func validBranchName(value any) error {
	name, _ := value.(string)
	if strings.ContainsAny(name, " ~^:?*[\\") || strings.HasPrefix(name, "-") ||
		strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "..") {
		return errors.New("must be a valid branch name")
	}
	return nil
}
