package collab

// AdminsRoom receives every broadcast, whatever entity it concerns.
const AdminsRoom = "admins"

// EntityRoom names the room of the connections that initialized entityID.
func EntityRoom(entityID string) string {
	return "entity:" + entityID
}

func entityRooms(entityID string) []string {
	return []string{EntityRoom(entityID), AdminsRoom}
}
