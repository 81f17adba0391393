package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds compiled CUE schemas by name.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex

	// cue values of one context are not safe for concurrent evaluation
	evalMu sync.Mutex
}

// NewSchemaRegistry creates a registry holding the builtin schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", builtinConfigSchema, "#Config"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("hook_step", builtinHookStepSchema, "#HookStep"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles src and registers the definition named def under
// name.
func (sr *SchemaRegistry) RegisterSchema(name, src, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify checks val against the named schema and returns the unified value.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	sr.evalMu.Lock()
	defer sr.evalMu.Unlock()

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes data and checks it against the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data interface{}) error {
	sr.evalMu.Lock()
	val := sr.ctx.Encode(data)
	sr.evalMu.Unlock()
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(name, val); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$" | number & >=0

#Config: {
	node_id?:       int & >0
	threads?:       int & >=1 & <=256
	poll_interval?: #Duration
	database?:      string & !=""
	socket?:        string & !=""
	version?:       string

	bins?: [=~"^(zfs|iptables|ip6tables|vzctl|tc|mount|umount|hostname)$"]: string & !=""

	retry?: {
		attempts?:   int & >=0 & <=100
		delay?:      #Duration
		signatures?: [...string]
	}

	// "1001": "vps.start/vps.stop"
	handlers?: [=~"^[0-9]+$"]: =~"^[a-z_]+\\.[a-z_]+(/[a-z_]+\\.[a-z_]+)?$"

	pubkeys?: {
		types?: [...("rsa" | "ecdsa" | "ed25519")]
		path?:  =~"%s"
	}

	host?: {
		ve_root?:          string
		vz_config_dir?:    string
		known_hosts?:      string
		firewall_chain?:   =~"^[A-Za-z0-9_-]{1,28}$"
		shaper_tx_device?: string
		shaper_rx_device?: string
		generated_dir?:    string
	}

	ssh?: {
		user?:             string
		private_key?:      string
		known_hosts?:      string
		strict_host_keys?: bool
		timeout?:          #Duration
	}

	hooks?: {
		pre_start?:  [...string]
		post_start?: [...string]
		timeout?:    #Duration
	}

	policies?: [...string]

	telemetry?: {
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string
			caller?: bool
		}
		metrics?: {
			enabled?: bool
			listen?:  string
			path?:    =~"^/"
		}
		tracing?: {
			enabled?:     bool
			exporter?:    "otlp" | "stdout" | "none"
			endpoint?:    string
			sample_rate?: number & >=0 & <=1
			insecure?:    bool
		}
	}
}
`

const builtinHookStepSchema = `
#HookStep: {
	type:     int & >0
	node?:    "src" | "dst"
	urgent?:  bool
	payload?: {...}
}
`
