package appliance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrNoHostKey = errors.New("appliance host key not configured (or insecure mode not enabled)")

type SshConfig struct {
	Addr     string // "asa.example.com:22"
	Username string
	Password string
	// authorized_keys format, e.g. "ssh-rsa AAAA..."
	HostKey string
	// skips host key verification. only for lab devices
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// runs command lines in an interactive shell, the way a human would paste them
type SshRunner struct {
	addr   string
	config *ssh.ClientConfig
}

var _ Runner = (*SshRunner)(nil)

func NewSshRunner(conf SshConfig) (*SshRunner, error) {
	hostKeyCallback, err := hostKeyCallback(conf)
	if err != nil {
		return nil, err
	}

	timeout := conf.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	password := conf.Password

	return &SshRunner{
		addr: conf.Addr,
		config: &ssh.ClientConfig{
			User: conf.Username,
			Auth: []ssh.AuthMethod{
				ssh.Password(password),
				// ASA commonly only offers keyboard-interactive
				ssh.KeyboardInteractive(func(_ string, _ string, questions []string, _ []bool) ([]string, error) {
					answers := make([]string, len(questions))
					for i := range answers {
						answers[i] = password
					}
					return answers, nil
				}),
			},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
	}, nil
}

func (s *SshRunner) Run(ctx context.Context, lines []string) (string, error) {
	conn, err := (&net.Dialer{Timeout: s.config.Timeout}).DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return "", err
	}

	if deadline, has := ctx.Deadline(); has {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return "", err
		}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		conn.Close()
		return "", err
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	output := &lockedBuffer{}
	session.Stdout = output
	session.Stderr = output

	stdin, err := session.StdinPipe()
	if err != nil {
		return "", err
	}

	if err := session.RequestPty("vt100", 200, 512, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		return "", fmt.Errorf("RequestPty: %w", err)
	}

	if err := session.Shell(); err != nil {
		return "", fmt.Errorf("Shell: %w", err)
	}

	for _, line := range append(append([]string{}, lines...), "exit") {
		if _, err := fmt.Fprintf(stdin, "%s\n", line); err != nil {
			return output.String(), err
		}
	}
	_ = stdin.Close()

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		return output.String(), ctx.Err()
	case err := <-done:
		// devices tend to drop the channel without sending an exit status
		var missing *ssh.ExitMissingError
		if err != nil && !errors.As(err, &missing) {
			return output.String(), err
		}

		return output.String(), nil
	}
}

func hostKeyCallback(conf SshConfig) (ssh.HostKeyCallback, error) {
	switch {
	case conf.HostKey != "":
		pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(conf.HostKey))
		if err != nil {
			return nil, fmt.Errorf("HostKey: %w", err)
		}

		return ssh.FixedHostKey(pubKey), nil
	case conf.InsecureIgnoreHostKey:
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, ErrNoHostKey
	}
}

// session writes stdout & stderr from separate goroutines
type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
