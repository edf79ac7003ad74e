package gitpub

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// Auth selects how pushes authenticate. Empty means the transport default.
type Auth struct {
	Token      string `yaml:"token,omitempty"`
	SSHKeyPath string `yaml:"ssh_key_path,omitempty"`
}

func (a Auth) method() (transport.AuthMethod, error) {
	switch {
	case a.Token != "":
		// Most hosts accept any username with a token password.
		return &http.BasicAuth{Username: "token", Password: a.Token}, nil
	case a.SSHKeyPath != "":
		keys, err := ssh.NewPublicKeysFromFile("git", a.SSHKeyPath, "")
		if err != nil {
			return nil, fmt.Errorf("load ssh key %s: %w", a.SSHKeyPath, err)
		}
		return keys, nil
	}
	return nil, nil
}
