package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wavechat/callcore/internal/identity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by the OriginFilter middleware.
		return true
	},
}

// RoomResolver maps a shareable room identifier (id or short code) to
// the canonical room id, rejecting unknown or full rooms.
type RoomResolver interface {
	AdmitID(ctx context.Context, identifier string) (string, error)
}

// Signaling upgrades the connection, derives the participant identity
// and admits it into the room named in the URL. The connection is then
// serviced until it drops; disconnecting implies leave.
func Signaling(r *Relay, ids *identity.Service, resolver RoomResolver, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomIdentifier := c.Param("roomId")
		if roomIdentifier == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}

		roomID := roomIdentifier
		if resolver != nil {
			id, err := resolver.AdmitID(c.Request.Context(), roomIdentifier)
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			roomID = id
		}

		// A signed identity token pins the participant identity across
		// reconnects; without one the connection gets a fresh identity.
		participantID := ""
		displayName := c.Query("displayName")
		if token := c.Query("token"); token != "" {
			claims, err := ids.Verify(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
				return
			}
			participantID = claims.ParticipantID
			if displayName == "" {
				displayName = claims.DisplayName
			}
		}
		if participantID == "" {
			participantID = uuid.New().String()
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("failed to upgrade connection")
			return
		}

		client := NewClient(participantID, displayName, conn, log)
		r.Join(roomID, client.Participant())
		client.Run(r)
	}
}
