package demo

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/flounderize/mcp-wire"
)

const resourcePageSize = 10

type catalogEntry struct {
	resource mcp.Resource
	contents mcp.ResourceContents
}

// resourceCatalog generates the fixed demo corpus. Even-numbered entries are
// plain text, odd-numbered entries are base64 blobs.
func resourceCatalog() []catalogEntry {
	entries := make([]catalogEntry, 0, 40)

	for i := 0; i < 40; i++ {
		uri := fmt.Sprintf("demo://corpus/entry/%d", i+1)
		name := fmt.Sprintf("Entry %d", i+1)
		text := fmt.Sprintf("Entry %d: sample corpus text for searching", i+1)

		if i%2 == 0 {
			entries = append(entries, catalogEntry{
				resource: mcp.Resource{
					URI:      uri,
					Name:     name,
					MimeType: "text/plain",
				},
				contents: mcp.ResourceContents{
					URI:      uri,
					MimeType: "text/plain",
					Text:     text,
				},
			})
			continue
		}

		entries = append(entries, catalogEntry{
			resource: mcp.Resource{
				URI:      uri,
				Name:     name,
				MimeType: "application/octet-stream",
			},
			contents: mcp.ResourceContents{
				URI:      uri,
				MimeType: "application/octet-stream",
				Blob:     base64.StdEncoding.EncodeToString([]byte(text)),
			},
		})
	}

	return entries
}

// ListResources implements mcp.ResourceServer interface.
func (s *Server) ListResources(
	_ context.Context,
	params mcp.ListResourcesParams,
	_ mcp.ProgressReporter,
) (mcp.ListResourcesResult, error) {
	catalog := resourceCatalog()

	startIndex := 0
	if params.Cursor != "" {
		var err error
		startIndex, err = strconv.Atoi(params.Cursor)
		if err != nil || startIndex < 0 || startIndex >= len(catalog) {
			return mcp.ListResourcesResult{}, fmt.Errorf("invalid cursor: %s", params.Cursor)
		}
	}
	endIndex := startIndex + resourcePageSize
	if endIndex > len(catalog) {
		endIndex = len(catalog)
	}

	resources := make([]mcp.Resource, 0, endIndex-startIndex)
	for _, e := range catalog[startIndex:endIndex] {
		resources = append(resources, e.resource)
	}

	nextCursor := ""
	if endIndex < len(catalog) {
		nextCursor = strconv.Itoa(endIndex)
	}

	return mcp.ListResourcesResult{
		Resources:  resources,
		NextCursor: nextCursor,
	}, nil
}

// ReadResource implements mcp.ResourceServer interface.
func (s *Server) ReadResource(
	_ context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
) (mcp.ReadResourceResult, error) {
	if !strings.HasPrefix(params.URI, "demo://corpus/entry/") {
		return mcp.ReadResourceResult{}, fmt.Errorf("resource not found: %s", params.URI)
	}

	for _, e := range resourceCatalog() {
		if e.resource.URI == params.URI {
			return mcp.ReadResourceResult{
				Contents: []mcp.ResourceContents{e.contents},
			}, nil
		}
	}

	return mcp.ReadResourceResult{}, fmt.Errorf("resource not found: %s", params.URI)
}
