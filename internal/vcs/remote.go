package vcs

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/fclairamb/notesync/internal/apperrors"
)

// RemoteConfig holds what is needed to reach the remote repository.
type RemoteConfig struct {
	URL            string // Remote git repository URL
	Branch         string // Default branch name
	SSHKey         []byte // PEM encoded private key for SSH remotes
	KnownHostsPath string // Optional known_hosts file; the user's default files are used otherwise
	Password       string // Password/token for HTTPS auth
}

// IsSSH returns true if the URL is an SSH URL.
func (c *RemoteConfig) IsSSH() bool {
	if c == nil || c.URL == "" {
		return false
	}
	return strings.HasPrefix(c.URL, "git@") || strings.HasPrefix(c.URL, "ssh://")
}

// IsHTTP returns true if the URL is an HTTP(S) URL.
func (c *RemoteConfig) IsHTTP() bool {
	if c == nil {
		return false
	}
	return strings.HasPrefix(c.URL, "https://") || strings.HasPrefix(c.URL, "http://")
}

// IsLocal returns true if the remote is a path on the local filesystem.
func (c *RemoteConfig) IsLocal() bool {
	if c == nil || c.URL == "" {
		return false
	}
	return strings.HasPrefix(c.URL, "file://") || (!c.IsSSH() && !c.IsHTTP() && !strings.Contains(c.URL, "://"))
}

// GetAuth returns the appropriate authentication method for the remote URL.
// Local remotes need no authentication and yield a nil method.
func (c *RemoteConfig) GetAuth() (transport.AuthMethod, error) {
	if c == nil || c.URL == "" {
		return nil, apperrors.ErrRemoteNotConfigured
	}

	switch {
	case c.IsSSH():
		return c.sshAuth()
	case c.IsHTTP():
		if c.Password == "" {
			return nil, apperrors.ErrHTTPSPasswordRequired
		}
		return &http.BasicAuth{
			Username: "oauth2",
			Password: c.Password,
		}, nil
	default:
		return nil, nil
	}
}

func (c *RemoteConfig) sshAuth() (transport.AuthMethod, error) {
	if len(c.SSHKey) == 0 {
		auth, err := ssh.NewSSHAgentAuth("git")
		if err != nil {
			return nil, fmt.Errorf("create SSH agent auth: %w", err)
		}
		return auth, nil
	}

	auth, err := ssh.NewPublicKeys("git", c.SSHKey, "")
	if err != nil {
		return nil, fmt.Errorf("parse SSH key: %w", err)
	}

	if c.KnownHostsPath != "" {
		if _, err := os.Stat(c.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("known hosts file: %w", err)
		}
		callback, err := ssh.NewKnownHostsCallback(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		auth.HostKeyCallback = callback
	}

	return auth, nil
}
