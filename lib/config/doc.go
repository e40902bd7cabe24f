// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the matrix-ingest configuration.
//
// Configuration comes from exactly one file named by --config. There
// is no search path and no implicit .env file; an env file is loaded
// only when --env-file names one. YAML is the primary format; .json
// and .jsonc files are accepted with comments and trailing commas.
//
// Secrets never appear in the file. The access token is read from a
// named environment variable or a file, and the key backup recovery
// secret from a plaintext or age-sealed file.
package config
