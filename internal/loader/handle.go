package loader

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/sdkloader/internal/page"
)

// Handle is the constructed client of a resource. One handle is shared by
// every caller of a loader; the loader never changes it after construction.
type Handle struct {
	Resource  string
	Locale    string
	CreatedAt time.Time

	obj *page.Object
}

// Call invokes a method of the client, e.g. h.Call("checkout", opts).
func (h *Handle) Call(method string, args ...interface{}) (interface{}, error) {
	return h.obj.Call(method, args...)
}

// Get returns a property of the client, or nil when undefined.
func (h *Handle) Get(name string) interface{} {
	return h.obj.Get(name)
}

// JSON returns the client's JSON projection.
func (h *Handle) JSON() ([]byte, error) {
	return h.obj.MarshalJSON()
}

// Lookup reads a value from the client's JSON projection using gjson path
// syntax. A client that cannot be serialized yields an empty result.
func (h *Handle) Lookup(path string) gjson.Result {
	raw, err := h.JSON()
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, path)
}
