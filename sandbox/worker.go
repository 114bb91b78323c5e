package sandbox

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
)

// TransformFunc is the unit of work a worker can run: a pure function over
// rows. Implementations must not reach the network, the filesystem, or the
// audit store; everything they need arrives in config.
type TransformFunc func(rows []map[string]any, config map[string]any) ([]map[string]any, error)

// RunWorker serves transform requests from r until the stream closes. This
// is the entire worker process: the orchestrator spawns the binary in its
// hidden worker mode, which calls here with os.Stdin and os.Stdout and the
// transforms it is willing to run by name. Closing r is the shutdown
// signal; RunWorker then returns nil and the process exits.
//
// A panicking transform does not take the worker down. The panic is
// recovered into the response and the loop keeps serving.
func RunWorker(r io.Reader, w io.Writer, transforms map[string]TransformFunc) error {
	for {
		var req Request
		err := ReadFrame(r, &req)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := WriteFrame(w, executeRequest(&req, transforms)); err != nil {
			return err
		}
	}
}

func executeRequest(req *Request, transforms map[string]TransformFunc) (resp *Response) {
	resp = &Response{ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			resp.OK = false
			resp.Rows = nil
			resp.Exception = &ExceptionResult{
				Type:      "panic",
				Message:   fmt.Sprint(r),
				Traceback: string(debug.Stack()),
			}
		}
	}()

	fn, ok := transforms[req.Transform]
	if !ok {
		resp.Exception = &ExceptionResult{
			Type:    "unknown_transform",
			Message: fmt.Sprintf("no transform named %q is registered in this worker", req.Transform),
		}
		return resp
	}
	rows, err := fn(req.Rows, req.Config)
	if err != nil {
		resp.Exception = &ExceptionResult{
			Type:    "transform_error",
			Message: err.Error(),
		}
		return resp
	}
	resp.OK = true
	resp.Rows = rows
	return resp
}
