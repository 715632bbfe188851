// Package logging provides structured logging with per-module log levels.
//
// Console output goes to stderr so that stdout stays free for the encoded
// stream. When journald is reachable every record is also sent to the
// journal under the identifier "m2menc".
//
// Initialize once at startup, then get one logger per module:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"encoder": "debug",
//		},
//	})
//
//	logger := logging.GetLogger("encoder")
//	logger.Info("Encoder initialized", "device", path)
//
// Module levels override the global level and can be changed at runtime
// with SetModuleLevel or by calling Initialize again, which is what the
// config watcher does on reload.
//
// Journal entries carry attributes as upper-case fields:
//
//	journalctl -t m2menc MODULE=encoder
//	journalctl -t m2menc DEVICE=/dev/video11 -p warning
//
// TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "json"
//
//	[logging.modules]
//	encoder = "debug"
//	devices = "warn"
package logging
