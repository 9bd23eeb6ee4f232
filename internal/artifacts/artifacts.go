package artifacts

import "embed"

// Global artifacts

//go:embed global/settings.yaml
var GlobalSettings []byte

// Payload schemas for file mutation events, one file per event type
// (schemas/FILE_CREATED.json, ...).
//
//go:embed schemas/*.json
var PayloadSchemas embed.FS
