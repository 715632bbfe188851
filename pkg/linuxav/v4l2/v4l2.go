//go:build linux

// Package v4l2 provides pure Go bindings to the Video4Linux2 (V4L2)
// memory-to-memory encoder API.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Device Enumeration
//
// Use FindEncoders to discover hardware encoders such as the Raspberry Pi
// bcm2835-codec or the Rockchip and Amlogic stateful encoders:
//
//	devices, err := v4l2.FindEncoders()
//	for _, dev := range devices {
//	    fmt.Printf("%s: %s\n", dev.DevicePath, dev.DeviceName)
//	}
//
// # Encoding
//
// An M2M encoder has two queues. Raw frames are queued on the OUTPUT queue
// and the bitstream is dequeued from the CAPTURE queue:
//
//	enc, _ := v4l2.OpenEncoder("/dev/video11")
//	enc.SetFormat(v4l2.BufTypeCaptureMplane, 1920, 1080, v4l2.PixFmtH264, 1<<20)
//	enc.SetFormat(v4l2.BufTypeOutputMplane, 1920, 1080, v4l2.PixFmtYUV420M, 0)
//	raw, _ := enc.RequestBuffers(v4l2.BufTypeOutputMplane, 6)
//	bits, _ := enc.RequestBuffers(v4l2.BufTypeCaptureMplane, 6)
//	enc.StreamOn(v4l2.BufTypeOutputMplane)
//	enc.StreamOn(v4l2.BufTypeCaptureMplane)
//
// Buffers are identified by index; their planes are mmap'd device memory.
package v4l2
