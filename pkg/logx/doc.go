// Package logx is botrunner's logging layer: a small Logger over zerolog.
//
// Console output is human-readable unless Config.JSON is set; the file sink
// is always JSON. Loggers handed out by a Service follow its Apply calls, so
// level and sink changes from a config reload reach every component.
package logx
