package aeronav

import "fmt"

// DatasetError scopes a failure to one dataset so the orchestrator can
// report it and carry on with the rest of the tileset.
type DatasetError struct {
	Name string
	Err  error
}

func (e *DatasetError) Error() string {
	return fmt.Sprintf("dataset %s: %v", e.Name, e.Err)
}

func (e *DatasetError) Unwrap() error { return e.Err }

// ZoomError scopes a failure to one zoom level's tile generation.
type ZoomError struct {
	Zoom int
	Err  error
}

func (e *ZoomError) Error() string {
	return fmt.Sprintf("zoom %d: %v", e.Zoom, e.Err)
}

func (e *ZoomError) Unwrap() error { return e.Err }
