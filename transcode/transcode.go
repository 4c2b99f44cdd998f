// Package transcode converts driver-native values into a JSON-safe
// transport representation and back. Structured values travel as tagged
// payloads ("$type": map, collection, document, content, geometry);
// unknown tags are delegated to a pluggable serializer registry.
package transcode

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
)

// Built-in payload tags.
const (
	TagMap        = "map"
	TagCollection = "collection"
	TagDocument   = "document"
	TagContent    = "content"
	TagGeometry   = "geometry"
	TagError      = "error"
)

// DisplaySRID is the fixed SRID geometry values are reprojected to for
// display.
const DisplaySRID = 4326

// GeometryTransformer reprojects a geometry into another SRID. When nil,
// or when Transform fails, the secondary display form is omitted.
type GeometryTransformer interface {
	Transform(g driver.Geometry, srid int) (driver.Geometry, error)
}

// Transcoder converts values between driver-native and transport form.
type Transcoder struct {
	// TextPreview and BinaryPreview bound large-content previews.
	TextPreview   int
	BinaryPreview int

	// Registry resolves tags the built-in cases don't cover.
	Registry *Registry

	// Geometry reprojects spatial values for display; optional.
	Geometry GeometryTransformer
}

// New builds a Transcoder with the configured preview quotas.
func New(q config.Quotas) *Transcoder {
	return &Transcoder{
		TextPreview:   q.TextPreview,
		BinaryPreview: q.BinaryPreview,
		Registry:      NewRegistry(),
	}
}

// ToTransport converts a driver-native value into its JSON-safe form.
// Conversion never fails: unconvertible values degrade to strings and
// cell-level fetch failures travel as error-tagged payloads.
func (t *Transcoder) ToTransport(ctx context.Context, col driver.Column, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case driver.CellError:
		return map[string]any{"$type": TagError, "message": val.Err.Error()}
	case bool:
		return val
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case string:
		if col.Type.Kind == driver.KindNumeric {
			return normalizeDecimal(val)
		}
		return val
	case []byte:
		if col.Type.Kind == driver.KindNumeric {
			return normalizeDecimal(string(val))
		}
		return base64.StdEncoding.EncodeToString(val)
	case driver.Composite:
		return t.compositeToTransport(ctx, col, val)
	case driver.Collection:
		return t.collectionToTransport(ctx, col, val)
	case driver.Content:
		return t.contentToTransport(val)
	case driver.Geometry:
		return t.geometryToTransport(val)
	default:
		if doc, ok := v.(driver.Document); ok {
			return t.documentToTransport(ctx, doc)
		}
		return fmt.Sprintf("%v", v)
	}
}

func (t *Transcoder) compositeToTransport(ctx context.Context, col driver.Column, c driver.Composite) map[string]any {
	fields := make(map[string]any, len(c.Names))
	for i, name := range c.Names {
		fields[name] = t.ToTransport(ctx, childColumn(col, name), c.Values[i])
	}
	return map[string]any{"$type": TagMap, "value": fields}
}

func (t *Transcoder) collectionToTransport(ctx context.Context, col driver.Column, c driver.Collection) map[string]any {
	elemCol := driver.Column{Name: col.Name, Type: c.Elem}
	items := make([]any, len(c.Values))
	for i, v := range c.Values {
		items[i] = t.ToTransport(ctx, elemCol, v)
	}
	return map[string]any{"$type": TagCollection, "value": items}
}

func (t *Transcoder) documentToTransport(ctx context.Context, doc driver.Document) map[string]any {
	data, err := doc.Data(ctx)
	if err != nil {
		return map[string]any{"$type": TagError, "message": fmt.Sprintf("read document: %v", err)}
	}
	return map[string]any{
		"$type":       TagDocument,
		"id":          doc.ID(),
		"contentType": doc.ContentType(),
		"data":        data,
	}
}

func (t *Transcoder) contentToTransport(c driver.Content) map[string]any {
	out := map[string]any{
		"$type":       TagContent,
		"contentType": c.ContentType,
		"length":      c.Length,
	}
	truncated := false
	if c.Data != nil {
		data := c.Data
		if t.BinaryPreview > 0 && len(data) > t.BinaryPreview {
			data = data[:t.BinaryPreview]
			truncated = true
		}
		out["binary"] = base64.StdEncoding.EncodeToString(data)
	} else {
		text := c.Text
		if t.TextPreview > 0 && len(text) > t.TextPreview {
			text = text[:t.TextPreview]
			truncated = true
		}
		out["text"] = text
	}
	out["truncated"] = truncated
	return out
}

func (t *Transcoder) geometryToTransport(g driver.Geometry) map[string]any {
	out := map[string]any{"$type": TagGeometry, "srid": g.SRID, "wkt": g.WKT}
	if g.SRID != DisplaySRID && t.Geometry != nil {
		display, err := t.Geometry.Transform(g, DisplaySRID)
		if err == nil {
			out["display"] = map[string]any{"srid": display.SRID, "wkt": display.WKT}
		}
		// reprojection failure tolerated: primary form stands alone
	}
	return out
}

// ToNative converts a transport value back into driver-native form for
// edits. An unknown tag with no registered serializer is a hard error.
func (t *Transcoder) ToNative(col driver.Column, v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t.taggedToNative(col, val)
	case bool:
		return val, nil
	case string:
		return t.stringToNative(col, val)
	case float64:
		// JSON numbers decode as float64; restore integer typing for
		// scale-free numeric columns.
		if col.Type.Kind == driver.KindNumeric && col.Type.Scale == 0 && val == float64(int64(val)) {
			return int64(val), nil
		}
		return val, nil
	default:
		return val, nil
	}
}

func (t *Transcoder) stringToNative(col driver.Column, s string) (any, error) {
	switch col.Type.Kind {
	case driver.KindDateTime:
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse("2006-01-02", s); err == nil {
			return ts, nil
		}
		return nil, model.Validationf("invalid timestamp %q for column %s", s, col.DisplayName())
	case driver.KindBinary:
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, model.Validationf("invalid base64 value for column %s: %v", col.DisplayName(), err)
		}
		return data, nil
	case driver.KindNumeric:
		if !strings.ContainsAny(s, ".eE") {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, model.Validationf("invalid numeric value %q for column %s", s, col.DisplayName())
		}
		return f, nil
	default:
		return s, nil
	}
}

func (t *Transcoder) taggedToNative(col driver.Column, payload map[string]any) (any, error) {
	tag, _ := payload["$type"].(string)
	if tag == "" {
		// untagged map travels as-is (document data)
		return payload, nil
	}
	switch tag {
	case TagMap:
		return t.mapToNative(col, payload)
	case TagCollection:
		return t.collectionToNative(col, payload)
	case TagDocument:
		return driver.StaticDocument{
			DocID:   payload["id"],
			CType:   str(payload["contentType"]),
			Content: payload["data"],
		}, nil
	case TagContent:
		return t.contentToNative(col, payload)
	case TagGeometry:
		srid, _ := toInt(payload["srid"])
		return driver.Geometry{SRID: srid, WKT: str(payload["wkt"])}, nil
	case TagError:
		return nil, model.Validationf("cannot persist error cell for column %s: %s", col.DisplayName(), str(payload["message"]))
	default:
		if s := t.Registry.lookup(tag); s != nil {
			return s.Decode(col, payload)
		}
		return nil, fmt.Errorf("unsupported value type %q for column %s", tag, col.DisplayName())
	}
}

func (t *Transcoder) mapToNative(col driver.Column, payload map[string]any) (any, error) {
	fields, _ := payload["value"].(map[string]any)
	comp := driver.Composite{TypeName: col.Type.Name}
	appendField := func(name string, v any) error {
		nv, err := t.ToNative(childColumn(col, name), v)
		if err != nil {
			return err
		}
		comp.Names = append(comp.Names, name)
		comp.Values = append(comp.Values, nv)
		return nil
	}
	if len(col.Children) > 0 {
		for _, child := range col.Children {
			if v, ok := fields[child.Name]; ok {
				if err := appendField(child.Name, v); err != nil {
					return nil, err
				}
			}
		}
		return comp, nil
	}
	for _, name := range sortedKeys(fields) {
		if err := appendField(name, fields[name]); err != nil {
			return nil, err
		}
	}
	return comp, nil
}

func (t *Transcoder) collectionToNative(col driver.Column, payload map[string]any) (any, error) {
	items, _ := payload["value"].([]any)
	elem := driver.TypeInfo{Kind: driver.KindUnknown}
	if len(col.Children) > 0 {
		elem = col.Children[0].Type
	}
	coll := driver.Collection{Elem: elem, Values: make([]any, len(items))}
	elemCol := driver.Column{Name: col.Name, Type: elem}
	for i, item := range items {
		nv, err := t.ToNative(elemCol, item)
		if err != nil {
			return nil, err
		}
		coll.Values[i] = nv
	}
	return coll, nil
}

func (t *Transcoder) contentToNative(col driver.Column, payload map[string]any) (any, error) {
	if truncated, _ := payload["truncated"].(bool); truncated {
		return nil, model.Validationf("cannot persist truncated content preview for column %s", col.DisplayName())
	}
	c := driver.Content{ContentType: str(payload["contentType"])}
	if b, ok := payload["binary"]; ok {
		data, err := base64.StdEncoding.DecodeString(str(b))
		if err != nil {
			return nil, model.Validationf("invalid content payload for column %s: %v", col.DisplayName(), err)
		}
		c.Data = data
		c.Length = int64(len(data))
		return c, nil
	}
	c.Text = str(payload["text"])
	c.Length = int64(len(c.Text))
	return c, nil
}

func childColumn(col driver.Column, name string) driver.Column {
	for _, child := range col.Children {
		if child.Name == name {
			return child
		}
	}
	return driver.Column{Name: name}
}

// normalizeDecimal strips trailing zeros after the decimal point of a
// plain-text numeric, leaving integers untouched.
func normalizeDecimal(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
