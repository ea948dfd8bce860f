// README: Identifier and actor value objects shared by modules.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

// SystemActor marks writes made by background jobs rather than a caller.
const SystemActor ID = "system"
