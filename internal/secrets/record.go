package secrets

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// recordSchema is the rotation contract for a credential document. Extra
// fields are allowed and preserved; only the presence of the connection
// fields and the engine family are enforced.
const recordSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["host", "username", "password", "engine"],
	"properties": {
		"engine": {"enum": ["postgres", "aurora-postgresql"]}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(recordSchema)

// Record is one version of a database credential document. The zero values
// of DBName and Port mean "not present"; connection-time defaults are
// applied by the connector, never written back to the vault.
type Record struct {
	Engine    string
	Host      string
	Username  string
	Password  string
	DBName    string
	Port      int
	SSL       interface{}
	MasterARN string

	// raw is the decoded document, kept so that unknown fields survive
	// re-serialization and master-record backfill.
	raw map[string]interface{}
	// id is the vault reference the document came from, for error context.
	id string
}

// Parse decodes and validates a credential document. When master is true
// the schema check is skipped: master secrets may omit host, port, and
// engine, which are inherited from the child record later.
func Parse(secretID string, data []byte, master bool) (*Record, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &SchemaError{SecretID: secretID, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}

	if !master {
		result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, &SchemaError{SecretID: secretID, Reason: err.Error()}
		}
		if !result.Valid() {
			var reasons []string
			for _, desc := range result.Errors() {
				reasons = append(reasons, desc.String())
			}
			return nil, &SchemaError{SecretID: secretID, Reason: strings.Join(reasons, "; ")}
		}
	}

	r := &Record{raw: raw, id: secretID}
	if err := r.refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// refresh re-derives the typed fields from the raw document.
func (r *Record) refresh() error {
	r.Engine = stringField(r.raw, "engine")
	r.Host = stringField(r.raw, "host")
	r.Username = stringField(r.raw, "username")
	r.Password = stringField(r.raw, "password")
	r.DBName = stringField(r.raw, "dbname")
	r.MasterARN = stringField(r.raw, "masterarn")
	r.SSL = r.raw["ssl"]

	port, err := portField(r.raw)
	if err != nil {
		return &SchemaError{SecretID: r.id, Reason: err.Error()}
	}
	r.Port = port
	return nil
}

// PayloadWithPassword returns the document re-serialized with only the
// password replaced. All other fields, known or not, are preserved.
func (r *Record) PayloadWithPassword(password string) ([]byte, error) {
	doc := make(map[string]interface{}, len(r.raw))
	for k, v := range r.raw {
		doc[k] = v
	}
	doc["password"] = password
	return json.Marshal(doc)
}

// BackfillFrom fills every empty field of r from the child document, then
// overrides the database name with the child's. The two phases must stay
// in this order: dbname legitimately differs between master and child and
// is decided by the override, not the backfill.
func (r *Record) BackfillFrom(child *Record) error {
	for key, value := range child.raw {
		if isEmptyValue(r.raw[key]) {
			r.raw[key] = value
		}
	}
	if dbname, ok := child.raw["dbname"]; ok {
		r.raw["dbname"] = dbname
	} else {
		delete(r.raw, "dbname")
	}
	return r.refresh()
}

// CopySSLFrom replaces r's ssl field with the other record's, removing it
// when the other record carries none. Used so a PREVIOUS credential is
// attempted under the CURRENT secret's transport policy rather than its
// own stale one.
func (r *Record) CopySSLFrom(other *Record) {
	delete(r.raw, "ssl")
	r.SSL = nil
	if v, ok := other.raw["ssl"]; ok {
		r.raw["ssl"] = v
		r.SSL = v
	}
}

// EffectiveDBName returns the database to connect to, defaulting to
// "postgres" when the document names none.
func (r *Record) EffectiveDBName() string {
	if r.DBName == "" {
		return "postgres"
	}
	return r.DBName
}

// EffectivePort returns the port to connect to, defaulting to 5432.
func (r *Record) EffectivePort() int {
	if r.Port == 0 {
		return 5432
	}
	return r.Port
}

func stringField(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

// portField accepts the port as a JSON number or a numeric string, the two
// shapes observed in real secret documents.
func portField(raw map[string]interface{}) (int, error) {
	v, ok := raw["port"]
	if !ok || v == nil {
		return 0, nil
	}
	switch p := v.(type) {
	case float64:
		return int(p), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, fmt.Errorf("port %q is not numeric", p)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("port has unsupported type %T", v)
	}
}

// isEmptyValue mirrors JSON falsiness for backfill purposes: absent, null,
// empty string, zero, and false all count as empty.
func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case float64:
		return t == 0
	case bool:
		return !t
	default:
		return false
	}
}
