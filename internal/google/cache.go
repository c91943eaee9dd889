// Copyright 2017 Google Inc. All Rights Reserved.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
//
// This is adapted from https://github.com/kelseyhightower/gcscache/, which is
// MIT-licensed.
package google

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"golang.org/x/crypto/acme/autocert"
)

var _ autocert.Cache = &CertCache{}

// CertCache keeps autocert certificates for intercepted hosts in one bucket.
// Each host gets its own object under prefix, e.g. "certs/alice.eth.limo".
type CertCache struct {
	objects
}

// NewCertCache opens a storage client which lives until Close.
func NewCertCache(ctx context.Context, bucket, prefix string) (*CertCache, error) {
	client, err := newStorageClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}
	return newCertCache(client, bucket, prefix), nil
}

func newCertCache(client *storage.Client, bucket, prefix string) *CertCache {
	return &CertCache{objects{client: client, bucket: bucket, prefix: prefix}}
}

// Get returns autocert.ErrCacheMiss when no certificate is stored for name.
func (c *CertCache) Get(ctx context.Context, name string) ([]byte, error) {
	byt, err := c.read(ctx, name, 0)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return nil, autocert.ErrCacheMiss
	case err != nil:
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	return byt, nil
}

func (c *CertCache) Put(ctx context.Context, name string, data []byte) error {
	if err := c.write(ctx, name, data); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// Delete succeeds when name is already gone.
func (c *CertCache) Delete(ctx context.Context, name string) error {
	err := c.remove(ctx, name)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Close releases the storage client.
func (c *CertCache) Close() error {
	return c.client.Close()
}
