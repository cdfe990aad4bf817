package capability

import (
	"github.com/dshills/exthost/internal/dispatch"
)

// Commands is the command-registration interface bound to one instance.
// Registrations delegate to the process-wide dispatch table; the table
// records ownership so unload can remove exactly this instance's commands.
type Commands struct {
	*Handle
	table *dispatch.Table
	owner dispatch.Owner
}

// newCommands binds the commands capability for an instance.
func newCommands(h *Handle, table *dispatch.Table, owner dispatch.Owner) *Commands {
	return &Commands{Handle: h, table: table, owner: owner}
}

// Register registers a command owned by the bound instance.
func (c *Commands) Register(def dispatch.Definition) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.table.Register(c.owner, def)
}

// Unregister removes a command owned by the bound instance.
func (c *Commands) Unregister(commandID string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	return c.table.Unregister(c.owner.ID(), commandID), nil
}

// List returns the commands currently owned by the bound instance.
func (c *Commands) List() ([]dispatch.Definition, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.table.ListByOwner(c.owner.ID()), nil
}
