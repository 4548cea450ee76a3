// Package docker implements isolation.Driver over the Docker Engine.
//
// Docker is this engine's "configured external isolation binary": the
// daemon itself provides the PID/mount/network namespaces, the seccomp
// profile, and the cgroup-enforced memory/CPU/pids limits that spec §4.1
// asks for. This driver only builds the declarative argument vector
// (container create/host config) and never reimplements isolation.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/sandboxlabs/sandboxd/internal/isolation"
)

const (
	// DriverName identifies this backend in logs and health reports.
	DriverName = "docker"

	// ManagedLabel marks every container this driver creates, so a
	// restart can garbage-collect orphans left by a crashed previous
	// process.
	ManagedLabel = "sandboxd.managed"

	// keepAliveCmd is the placeholder main process for sandboxes that are
	// driven via Exec (one-shot languages) rather than Connect (the
	// interactive language's Interpreter Server runs as the main process
	// instead).
	keepAliveCmd = "tail"
)

// Driver implements isolation.Driver using the Docker Engine API.
type Driver struct {
	cli *client.Client
}

// New creates a Driver. host, if non-empty, overrides the Docker daemon
// endpoint; otherwise the client honors DOCKER_HOST from the environment.
func New(host string) (*Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	go cleanupOrphans(cli)

	return &Driver{cli: cli}, nil
}

func cleanupOrphans(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("sweeping orphaned sandbox containers from a previous run")
	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to list orphaned sandbox containers")
		return
	}

	count := 0
	for _, c := range list {
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Str("id", c.ID).Err(err).Msg("failed to remove orphaned sandbox container")
			continue
		}
		count++
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("removed orphaned sandbox containers")
	}
}

func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) Close() error {
	return d.cli.Close()
}

func (d *Driver) Create(ctx context.Context, spec isolation.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	nanoCPUs := int64(spec.CPUCores * 1e9)

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: spec.ScratchDir, Target: spec.WorkDir},
		{Type: mount.TypeTmpfs, Target: "/tmp", TmpfsOptions: &mount.TmpfsOptions{SizeBytes: spec.TmpfsBytes}},
	}
	for target, source := range spec.LibraryMounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: source, Target: target, ReadOnly: true})
	}

	securityOpt := []string{}
	if spec.SeccompProfile != "" {
		securityOpt = append(securityOpt, "seccomp="+spec.SeccompProfile)
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:  nanoCPUs,
			Memory:    spec.MemoryBytes,
			PidsLimit: &spec.PidsLimit,
		},
		Mounts:      mounts,
		SecurityOpt: securityOpt,
		CapDrop:     []string{"ALL"},
	}
	if !spec.EnableNetworking {
		hostConfig.NetworkMode = "none"
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cmd := spec.Command
	if len(cmd) == 0 {
		cmd = []string{keepAliveCmd, "-f", "/dev/null"}
	}

	user := ""
	if spec.UID != 0 || spec.GID != 0 {
		user = fmt.Sprintf("%d:%d", spec.UID, spec.GID)
	}

	labels := spec.Labels
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[ManagedLabel] = "true"

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        cmd,
			Env:        env,
			Labels:     labels,
			WorkingDir: spec.WorkDir,
			User:       user,
		},
		hostConfig, nil, nil, "",
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", isolation.ErrSpawnFailed, err)
	}

	// Enforce the wall-clock limit even though no command has run yet:
	// a sandbox that never becomes Ready must still be reaped.
	go func(id string, wallClock time.Duration) {
		time.Sleep(wallClock)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Stop(ctx, id)
	}(resp.ID, spec.WallClock)

	return resp.ID, nil
}

func (d *Driver) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil // idempotent per spec §4.3
		}
		return fmt.Errorf("stop/remove container: %w", err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, isolation.ErrSandboxNotFound
		}
		return nil, err
	}
	if !info.State.Running {
		return nil, isolation.ErrSandboxNotRunning
	}

	resp, err := d.cli.ContainerAttach(ctx, id, types.ContainerAttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", isolation.ErrConnectionFailed, err)
	}

	return newStream(resp), nil
}

func (d *Driver) Exec(ctx context.Context, id string, cmd []string, wallClock time.Duration, stdout, stderr io.Writer) (isolation.ExecResult, error) {
	execConfig := types.ExecConfig{
		Cmd: cmd, AttachStdout: true, AttachStderr: true, Tty: false,
	}
	execIDResp, err := d.cli.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return isolation.ExecResult{}, fmt.Errorf("%w: %v", isolation.ErrSpawnFailed, err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, execIDResp.ID, types.ExecStartCheck{})
	if err != nil {
		return isolation.ExecResult{}, fmt.Errorf("%w: %v", isolation.ErrConnectionFailed, err)
	}
	defer resp.Close()

	if wallClock <= 0 {
		wallClock = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- demuxTo(resp.Reader, stdout, stderr)
	}()

	select {
	case <-execCtx.Done():
		// Docker has no per-exec kill primitive; fall back to stopping
		// the whole sandbox, which also reaps the exec'd process.
		_ = d.Stop(context.Background(), id)
		return isolation.ExecResult{TimedOut: true}, isolation.ErrTimeoutExceeded
	case err := <-done:
		if err != nil && err != io.EOF {
			return isolation.ExecResult{}, err
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execIDResp.ID)
	if err != nil {
		return isolation.ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return isolation.ExecResult{ExitCode: inspect.ExitCode}, nil
}

func (d *Driver) Info(ctx context.Context, id string) (*isolation.Info, error) {
	j, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, isolation.ErrSandboxNotFound
		}
		return nil, err
	}

	state := isolation.StateDestroyed
	if j.State.Running {
		state = isolation.StateReady
	}
	created, _ := time.Parse(time.RFC3339Nano, j.Created)

	return &isolation.Info{ID: j.ID, State: state, CreatedAt: created, Image: j.Config.Image}, nil
}

func (d *Driver) resolvePath(ctx context.Context, id, path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", err
	}
	workDir := info.Config.WorkingDir
	if workDir == "" {
		workDir = "/"
	}
	return filepath.Join(workDir, path), nil
}

func (d *Driver) ListFiles(ctx context.Context, id, path string) ([]*isolation.FileEntry, error) {
	absPath, err := d.resolvePath(ctx, id, path)
	if err != nil {
		return nil, err
	}

	reader, _, err := d.cli.CopyFromContainer(ctx, id, absPath)
	if err != nil {
		return nil, fmt.Errorf("read path: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	var entries []*isolation.FileEntry
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read: %w", err)
		}
		entries = append(entries, &isolation.FileEntry{
			Name:         filepath.Base(header.Name),
			Path:         header.Name,
			Size:         header.Size,
			Mode:         header.Mode,
			IsDir:        header.Typeflag == tar.TypeDir,
			LastModified: header.ModTime,
		})
	}
	return entries, nil
}

func (d *Driver) PutFile(ctx context.Context, id, path string, content io.Reader) error {
	absPath, err := d.resolvePath(ctx, id, path)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{Name: filepath.Base(absPath), Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	if err := d.cli.CopyToContainer(ctx, id, filepath.Dir(absPath), &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

func (d *Driver) GetFile(ctx context.Context, id, path string) (io.ReadCloser, error) {
	absPath, err := d.resolvePath(ctx, id, path)
	if err != nil {
		return nil, err
	}

	reader, _, err := d.cli.CopyFromContainer(ctx, id, absPath)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		reader.Close()
		return nil, fmt.Errorf("file not found in tar: %w", err)
	}

	return &tarReadCloser{tr: tr, closer: reader}, nil
}

type tarReadCloser struct {
	tr     *tar.Reader
	closer io.Closer
}

func (t *tarReadCloser) Read(p []byte) (int, error) { return t.tr.Read(p) }
func (t *tarReadCloser) Close() error                { return t.closer.Close() }
