// Package device exposes the two listing endpoints the transfer legs need:
// the media index on the device and the file index on the relay server.
// Everything else about either peer is out of scope; transfers themselves go
// through the transport's streaming calls.
package device

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aerolink/mediasync/internal/constants"
	"github.com/aerolink/mediasync/internal/transfer"
	"github.com/aerolink/mediasync/internal/transport"
	"github.com/aerolink/mediasync/internal/validation"
)

// MediaLister enumerates the media files currently present on the device.
type MediaLister interface {
	ListMedia() ([]transfer.FileDescriptor, error)
}

// RemoteIndex enumerates filenames the relay server already holds, used to
// exclude re-uploads.
type RemoteIndex interface {
	ListFiles() ([]string, error)
}

// mediaEntry is one record in the device's media index response.
type mediaEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
	Valid   bool      `json:"valid"`
}

// Client implements MediaLister against the device transport.
type Client struct {
	tr *transport.Transport
}

// NewClient wraps the device transport.
func NewClient(tr *transport.Transport) *Client {
	return &Client{tr: tr}
}

// ListMedia fetches and decodes the device media index.
func (c *Client) ListMedia() ([]transfer.FileDescriptor, error) {
	raw, err := c.tr.Send(transport.NewGet(constants.DeviceMediaListPath))
	if err != nil {
		return nil, fmt.Errorf("fetch media index: %w", err)
	}
	resp, err := transport.ParseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse media index: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%w: media index status %s", transport.ErrProtocol, resp.Status)
	}

	var entries []mediaEntry
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil, fmt.Errorf("decode media index: %w", err)
	}

	files := make([]transfer.FileDescriptor, 0, len(entries))
	for _, e := range entries {
		// Index names feed filepath.Join on the media directory, so a
		// name that fails validation is demoted to invalid rather than
		// trusted because the device flagged it ok.
		valid := e.Valid && validation.ValidateMediaName(e.Name) == nil
		files = append(files, transfer.FileDescriptor{
			Name:      e.Name,
			Size:      e.Size,
			CreatedAt: e.Created,
			Valid:     valid,
		})
	}
	return files, nil
}

// ServerClient implements RemoteIndex against the relay server transport.
type ServerClient struct {
	tr *transport.Transport
}

// NewServerClient wraps the server transport.
func NewServerClient(tr *transport.Transport) *ServerClient {
	return &ServerClient{tr: tr}
}

// ListFiles fetches the names already uploaded to the server.
func (s *ServerClient) ListFiles() ([]string, error) {
	raw, err := s.tr.Send(transport.NewGet(constants.ServerFilesListPath))
	if err != nil {
		return nil, fmt.Errorf("fetch server index: %w", err)
	}
	resp, err := transport.ParseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse server index: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%w: server index status %s", transport.ErrProtocol, resp.Status)
	}

	var names []string
	if err := json.Unmarshal(resp.Body, &names); err != nil {
		return nil, fmt.Errorf("decode server index: %w", err)
	}
	return names, nil
}
