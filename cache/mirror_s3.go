/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror optionally mirrors a Volume's header/footer object to S3 so a
// replacement host can recover a volume's write_pos/phase/serials
// without re-running the full forward recovery scan: an off-box copy of
// exactly the bytes VolHeaderFooter.marshal produces, keyed by the
// Volume's UUID. This is best-effort: a failed mirror write never blocks
// or fails the local dirSync.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror loads AWS config from the environment/shared config files
// the way any AWS CLI-compatible tool does. When accessKey is non-empty
// it overrides the default credential chain with a static pair, for
// deployments mirroring to an S3-compatible store with no IAM role.
func NewS3Mirror(ctx context.Context, bucket, prefix, accessKey, secretKey string) (*S3Mirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objcache: load aws config: %w", err)
	}
	return &S3Mirror{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (m *S3Mirror) key(volID string) string {
	return fmt.Sprintf("%s/%s.hdr", m.prefix, volID)
}

// Put uploads the marshaled header/footer for volID.
func (m *S3Mirror) Put(ctx context.Context, volID string, h *VolHeaderFooter) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(volID)),
		Body:   bytes.NewReader(h.marshal()),
	})
	return err
}

// Get downloads and parses a previously mirrored header/footer.
func (m *S3Mirror) Get(ctx context.Context, volID string, segments int) (VolHeaderFooter, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(volID)),
	})
	if err != nil {
		return VolHeaderFooter{}, err
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return VolHeaderFooter{}, err
	}
	h, ok := unmarshalVolHeader(buf.Bytes(), segments)
	if !ok || !h.valid(Settings.MaxMajorVersion, Settings.MaxMinorVersion) {
		return h, newErr(ErrCorruptData, Key{}, "mirrored header failed validation")
	}
	return h, nil
}

// MirrorOnSync wires an S3Mirror into a Volume's dirSync path: call this
// after a successful Volume.Sync to keep the off-box copy current.
func (v *Volume) MirrorOnSync(ctx context.Context, m *S3Mirror) error {
	if m == nil {
		return nil
	}
	v.mu.Lock()
	h := v.header
	v.mu.Unlock()
	return m.Put(ctx, v.ID.String(), &h)
}
