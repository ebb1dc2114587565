package directory

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CreateRoomRequest is the body for the room creation endpoint.
type CreateRoomRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse carries the identifiers callers share as links.
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// CreateRoom creates a new room (requires an authenticated participant).
func (s *Store) CreateRoom(c *gin.Context) {
	participantID, exists := c.Get("participant_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = 8
	}

	room, err := s.Create(c.Request.Context(), participantID.(string), req.MaxParticipants)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	c.JSON(http.StatusCreated, CreateRoomResponse{RoomID: room.ID, Code: room.Code})
}

// GetRoom returns room information by code or id (public).
func (s *Store) GetRoom(c *gin.Context) {
	room, err := s.Resolve(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (creator only).
func (s *Store) DeleteRoom(c *gin.Context) {
	participantID, exists := c.Get("participant_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	if err := s.Delete(c.Request.Context(), c.Param("roomId"), participantID.(string)); err != nil {
		switch err.Error() {
		case "room not found":
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case "only the room creator can delete the room":
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}
