package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

// CreatePlugin stores a plugin definition.
func (c *Coordinator) CreatePlugin(p *model.Plugin) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	return c.repo.CreatePlugin(p)
}

// UpdatePlugin rewrites a plugin definition. Boards holding the old code
// keep it until the plugin is injected again.
func (c *Coordinator) UpdatePlugin(p *model.Plugin) error {
	return c.repo.UpdatePlugin(p)
}

// DestroyPlugin deletes the plugin and its injection records.
func (c *Coordinator) DestroyPlugin(identity string) error {
	return c.repo.DestroyPlugin(identity)
}

// InjectPlugin pushes a plugin onto a board. Re-injecting flips the
// injection record to "updated" instead of failing.
func (c *Coordinator) InjectPlugin(ctx context.Context, boardUUID, pluginIdentity string, onboot bool) error {
	if _, err := c.onlineBoard(boardUUID); err != nil {
		return err
	}
	plugin, err := c.repo.GetPlugin(pluginIdentity)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"uuid":       plugin.UUID,
		"name":       plugin.Name,
		"code":       plugin.Code,
		"callable":   plugin.Callable,
		"parameters": plugin.Parameters,
	}
	if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, "PluginInject", []any{payload, onboot}, ""); err != nil {
		return err
	}
	if err := c.repo.UpsertInjection(boardUUID, plugin.UUID, onboot); err != nil {
		return err
	}
	c.logger.Printf("injected plugin %s into board %s", plugin.UUID, boardUUID)
	return nil
}

// RemovePlugin removes an injected plugin from a board.
func (c *Coordinator) RemovePlugin(ctx context.Context, boardUUID, pluginIdentity string) error {
	if _, err := c.onlineBoard(boardUUID); err != nil {
		return err
	}
	plugin, err := c.repo.GetPlugin(pluginIdentity)
	if err != nil {
		return err
	}
	if _, err := c.repo.GetInjection(boardUUID, plugin.UUID); err != nil {
		return err
	}
	if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, "PluginRemove", []any{plugin.UUID}, ""); err != nil {
		return err
	}
	return c.repo.DeleteInjection(boardUUID, plugin.UUID)
}

// ActionPlugin dispatches one of the closed plugin actions. Actions that
// take parameters carry them as the second argument.
func (c *Coordinator) ActionPlugin(ctx context.Context, boardUUID, pluginIdentity, action string, params map[string]any) (string, error) {
	if !model.IsValidPluginAction(action) {
		return "", fmt.Errorf("%q: %w", action, ErrInvalidPluginAction)
	}
	if _, err := c.onlineBoard(boardUUID); err != nil {
		return "", err
	}
	plugin, err := c.repo.GetPlugin(pluginIdentity)
	if err != nil {
		return "", err
	}

	args := []any{plugin.UUID}
	if model.PluginActionWantsParams(action) && params != nil {
		args = append(args, params)
	}
	return c.disp.ExecuteOnBoard(ctx, boardUUID, action, args, "")
}
