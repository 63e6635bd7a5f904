package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	goarchive "github.com/moby/go-archive"
)

// BuildImage builds an agent image from contextDir and tags it.
func (m *Manager) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	tar, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := m.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	// The daemon reports build failures in the JSON stream, not the status.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			slog.Warn("error reading build output", "error", err)
			break
		}
		if msg.Error != "" {
			return fmt.Errorf("build image: %s", msg.Error)
		}
	}

	slog.Info("agent image built", "image", tag)
	return nil
}
