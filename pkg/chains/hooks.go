package chains

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
)

// HookRunner evaluates a hook script. config.StarlarkEvaluator implements it.
type HookRunner interface {
	RunHookFile(ctx context.Context, path string, args config.HookArgs) ([]config.HookStep, error)
}

var _ HookRunner = (*config.StarlarkEvaluator)(nil)

// Hooks are scripts run while a migration chain is built. Steps they return
// are appended to the chain.
type Hooks struct {
	Runner    HookRunner
	PreStart  []string
	PostStart []string
}

func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// appendHooks runs scripts in order and appends the steps they return.
func appendHooks(ctx context.Context, c *engine.Chain, runner HookRunner, scripts []string,
	vps *stores.VPS, running bool, src, dst *engine.Node) error {
	if runner == nil || len(scripts) == 0 {
		return nil
	}

	vpsArg, err := toMap(vps)
	if err != nil {
		return err
	}
	dstArg, err := toMap(dst)
	if err != nil {
		return err
	}

	for _, path := range scripts {
		steps, err := runner.RunHookFile(ctx, path, config.HookArgs{
			VPS:     vpsArg,
			Running: running,
			DstNode: dstArg,
		})
		if err != nil {
			return fmt.Errorf("hook %s: %w", path, err)
		}

		for _, hs := range steps {
			node := dst.ID
			if hs.Node == "src" {
				node = src.ID
			}
			step := engine.Step{
				Type:   engine.TransactionType(hs.Type),
				Node:   node,
				VPS:    vps.ID,
				Urgent: hs.Urgent,
			}
			if hs.Payload != nil {
				step.Payload = hs.Payload
			}
			if _, err := c.Append(step); err != nil {
				return fmt.Errorf("hook %s: %w", path, err)
			}
		}
	}
	return nil
}
