// Package models holds request and response bodies for the control API.
package models

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.2.0" doc:"Release version"`
	GitCommit string `json:"git_commit" example:"a1b2c3d" doc:"Source revision"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	Modified  bool   `json:"modified,omitempty" doc:"Built from a tree with uncommitted changes"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go toolchain"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Session models
type FormatData struct {
	Width       int    `json:"width" example:"1920"`
	Height      int    `json:"height" example:"1080"`
	PixelFormat string `json:"pixel_format" example:"nv12"`
	FourCC      string `json:"fourcc" example:"NM12" doc:"Raw layout negotiated with the device"`
	Codec       string `json:"codec" example:"h264"`
	Profile     string `json:"profile" example:"high"`
	Level       string `json:"level" example:"4.0"`
}

type SessionData struct {
	State             string      `json:"state" example:"streaming" doc:"Session lifecycle state"`
	Format            *FormatData `json:"format,omitempty" doc:"Negotiated format, absent before the first frame"`
	Codec             string      `json:"codec,omitempty" example:"avc1.640028" doc:"RFC 6381 codec string"`
	FramesSubmitted   uint64      `json:"frames_submitted"`
	PacketsEmitted    uint64      `json:"packets_emitted"`
	FrameErrors       uint64      `json:"frame_errors"`
	PendingFrames     int         `json:"pending_frames"`
	InputOutstanding  int         `json:"input_outstanding" doc:"Raw buffers owned by the device"`
	OutputOutstanding int         `json:"output_outstanding" doc:"Bitstream buffers owned by the device"`
}

type SessionResponse struct {
	Body SessionData
}

type BitrateRequestData struct {
	Bitrate int `json:"bitrate" minimum:"1" example:"4000000" doc:"Target bitrate in bits per second"`
}

type BitrateRequest struct {
	Body BitrateRequestData
}

type BitrateResponse struct {
	Body BitrateRequestData
}

// Device models
type DeviceData struct {
	Path   string   `json:"path" example:"/dev/video11"`
	Name   string   `json:"name" example:"bcm2835-codec-encode"`
	Driver string   `json:"driver" example:"bcm2835-codec"`
	ID     string   `json:"id,omitempty" example:"platform-bcm2835-codec-video-index0"`
	Codecs []string `json:"codecs" example:"[\"h264\"]"`
}

type DevicesData struct {
	Devices []DeviceData `json:"devices"`
	Count   int          `json:"count" example:"1"`
}

type DevicesResponse struct {
	Body DevicesData
}
