// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter

import (
	"context"

	"github.com/tombee/relay/internal/limiter"
	"github.com/tombee/relay/internal/sftp"
	"github.com/tombee/relay/pkg/errors"
)

// renderConn resolves placeholders in the connection settings.
func (d *Deps) renderConn(ctx context.Context, exec *Execution, cfg sftp.Config) (sftp.Config, error) {
	if err := required("host", cfg.Host); err != nil {
		return cfg, err
	}
	scope := exec.scope()
	fields := []*string{&cfg.Host, &cfg.User, &cfg.Password, &cfg.PrivateKey, &cfg.Passphrase}
	for _, f := range fields {
		v, err := d.Renderer.RenderString(ctx, scope, *f)
		if err != nil {
			return cfg, errors.Wrap(err, "rendering connection settings")
		}
		*f = v
	}
	return cfg, nil
}

// session is an open connection holding SFTP limiter slots.
type session struct {
	sftp.Client
	release limiter.Release
}

func (s *session) Close() error {
	err := s.Client.Close()
	s.release()
	return err
}

// dial acquires the SFTP slots of the host and opens one connection.
func (d *Deps) dial(ctx context.Context, cfg sftp.Config) (*session, error) {
	release, err := d.Limiter.AcquireHost(ctx, limiter.FamilySFTP, cfg.Host)
	if err != nil {
		return nil, err
	}
	client, err := d.SFTP.Dial(ctx, cfg)
	if err != nil {
		release()
		return nil, err
	}
	return &session{Client: client, release: release}, nil
}
