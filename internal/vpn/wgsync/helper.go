// Package wgsync — единственный писатель живой конфигурации демона WireGuard.
// Все изменения идут через привилегированный helper-скрипт, сам процесс
// конфиг демона не трогает.
package wgsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"visco/internal/logs"
	"visco/internal/metrics"
	"visco/internal/vpn/wireguard"
)

var (
	// ErrHelperFailed — общий корень для всех ошибок синхронизации.
	ErrHelperFailed      = errors.New("wireguard helper failed")
	ErrHelperTimeout     = fmt.Errorf("%w: timed out", ErrHelperFailed)
	ErrInsufficientSpace = fmt.Errorf("%w: insufficient space in staging dir", ErrHelperFailed)
)

// HelperError — helper завершился с ненулевым кодом. Output содержит его stdout+stderr
// для разбора оператором.
type HelperError struct {
	Verb     string
	ExitCode int
	Output   string
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("wireguard helper %q exited with code %d: %s", e.Verb, e.ExitCode, strings.TrimSpace(e.Output))
}

func (e *HelperError) Unwrap() error { return ErrHelperFailed }

// Status — живость интерфейса; только для отчётов, не для решений.
type Status struct {
	InterfaceUp bool   `json:"interface_up"`
	RawOutput   string `json:"raw_output,omitempty"`
}

type Options struct {
	HelperPath    string        // /usr/local/bin/update_wg_config.sh
	Sudo          bool          // запускать через sudo
	Timeout       time.Duration // 30s
	Interface     string        // wg0
	WGBinary      string        // wg
	StatusTimeout time.Duration // 10s
	StagingDir    string
	MinFreeBytes  uint64
}

// Helper реализует синхронизацию через внешний скрипт:
//
//	helper add <file>        — добавить stanza из файла
//	helper remove <pubkey>   — удалить пира
type Helper struct {
	opts Options
}

func New(opts Options) *Helper {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 10 * time.Second
	}
	if opts.Interface == "" {
		opts.Interface = "wg0"
	}
	if opts.WGBinary == "" {
		opts.WGBinary = "wg"
	}
	if opts.StagingDir == "" {
		opts.StagingDir = os.TempDir()
	}
	return &Helper{opts: opts}
}

// AddPeer кладёт stanza во временный файл и вызывает `helper add`.
// Временный файл удаляется при любом исходе.
func (h *Helper) AddPeer(ctx context.Context, publicKey string, allowed netip.Prefix) error {
	stanza := wireguard.RenderServerPeer(publicKey, allowed)

	if err := ensureFreeSpace(h.opts.StagingDir, h.opts.MinFreeBytes); err != nil {
		return err
	}
	f, err := os.CreateTemp(h.opts.StagingDir, "wg_peer_add_*.conf")
	if err != nil {
		return fmt.Errorf("%w: stage peer: %v", ErrHelperFailed, err)
	}
	path := f.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logs.Logger.WithError(rmErr).WithField("path", path).Warn("wgsync: staged file not removed")
		}
	}()

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: chmod staged peer: %v", ErrHelperFailed, err)
	}
	if _, err := f.WriteString(stanza); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write staged peer: %v", ErrHelperFailed, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close staged peer: %v", ErrHelperFailed, err)
	}

	_, err = h.run(ctx, h.opts.Timeout, "add", h.opts.HelperPath, "add", path)
	h.report("add", publicKey, err, logrus.Fields{"allowed_ips": allowed.String()})
	return err
}

// RemovePeer вызывает `helper remove <pubkey>`.
func (h *Helper) RemovePeer(ctx context.Context, publicKey string) error {
	_, err := h.run(ctx, h.opts.Timeout, "remove", h.opts.HelperPath, "remove", publicKey)
	h.report("remove", publicKey, err, nil)
	return err
}

// Status — `wg show <iface>`; код 0 значит интерфейс поднят.
func (h *Helper) Status(ctx context.Context) (Status, error) {
	out, err := h.run(ctx, h.opts.StatusTimeout, "status", h.opts.WGBinary, "show", h.opts.Interface)
	if err != nil {
		var he *HelperError
		if errors.As(err, &he) {
			return Status{InterfaceUp: false, RawOutput: he.Output}, nil
		}
		return Status{}, err
	}
	return Status{InterfaceUp: true, RawOutput: out}, nil
}

func (h *Helper) run(ctx context.Context, timeout time.Duration, verb, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if h.opts.Sudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// не ждём вечно потомков, держащих stdout после kill
	cmd.WaitDelay = time.Second

	err := classify(ctx, verb, timeout, cmd.Run(), out.String())
	metrics.HelperInvocations.WithLabelValues(verb, resultLabel(err)).Inc()
	return out.String(), err
}

func classify(ctx context.Context, verb string, timeout time.Duration, err error, output string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s (%s)", ErrHelperTimeout, timeout, verb)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %v", ErrHelperFailed, verb, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &HelperError{Verb: verb, ExitCode: exitErr.ExitCode(), Output: output}
	}
	return fmt.Errorf("%w: %s: %v", ErrHelperFailed, verb, err)
}

func (h *Helper) report(verb, publicKey string, err error, extra logrus.Fields) {
	e := logs.With(logrus.Fields{"verb": verb, "public_key": publicKey}).WithFields(extra)
	if err == nil {
		e.Info("wgsync: peer " + verb + " applied")
		return
	}
	var he *HelperError
	if errors.As(err, &he) {
		e = e.WithFields(logrus.Fields{"exit_code": he.ExitCode, "helper_output": strings.TrimSpace(he.Output)})
	}
	e.WithError(err).Warn("wgsync: peer " + verb + " failed")
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrHelperTimeout):
		return "timeout"
	default:
		return "error"
	}
}
