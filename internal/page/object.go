package page

import (
	"fmt"

	"github.com/dop251/goja"
)

// Object is a JavaScript object living in a page, such as a constructed SDK
// client. All access is serialized with the rest of the page.
type Object struct {
	page *Page
	obj  *goja.Object
}

// Call invokes a method of the object and returns the exported result.
func (o *Object) Call(method string, args ...interface{}) (interface{}, error) {
	p := o.page
	p.mu.Lock()
	defer p.mu.Unlock()

	fn, ok := goja.AssertFunction(o.obj.Get(method))
	if !ok {
		return nil, fmt.Errorf("%s: %w", method, ErrNotFunction)
	}

	values := make([]goja.Value, len(args))
	for i, arg := range args {
		values[i] = p.vm.ToValue(arg)
	}

	var result goja.Value
	err := p.guard(func() error {
		var err error
		result, err = fn(o.obj, values...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if !defined(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// Get returns the exported value of a property, or nil when it is undefined.
func (o *Object) Get(name string) interface{} {
	o.page.mu.Lock()
	defer o.page.mu.Unlock()

	v := o.obj.Get(name)
	if !defined(v) {
		return nil
	}
	return v.Export()
}

// MarshalJSON renders the object with the runtime's JSON.stringify, so
// methods are skipped and toJSON is honoured.
func (o *Object) MarshalJSON() ([]byte, error) {
	p := o.page
	p.mu.Lock()
	defer p.mu.Unlock()

	stringify, ok := goja.AssertFunction(p.vm.Get("JSON").ToObject(p.vm).Get("stringify"))
	if !ok {
		return nil, fmt.Errorf("JSON.stringify: %w", ErrNotFunction)
	}

	var out goja.Value
	err := p.guard(func() error {
		var err error
		out, err = stringify(goja.Undefined(), o.obj)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stringify: %w", err)
	}
	if !defined(out) {
		return []byte("null"), nil
	}
	return []byte(out.String()), nil
}
