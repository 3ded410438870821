package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"hammer/models"
)

// 通知的標題與內文在這裡組合，種類對應 models.NotificationKind

func newBidNotification(sellerID uuid.UUID, title string, amount int64) *models.Notification {
	return &models.Notification{
		RecipientID: sellerID,
		Kind:        models.NotificationNewBid,
		Title:       "New bid received",
		Body:        fmt.Sprintf("Your listing %q received a new bid of %d", title, amount),
	}
}

func outbidNotification(bidderID uuid.UUID, title string, amount int64) *models.Notification {
	return &models.Notification{
		RecipientID: bidderID,
		Kind:        models.NotificationOutbid,
		Title:       "You have been outbid",
		Body:        fmt.Sprintf("Someone outbid you on %q, the price is now %d", title, amount),
	}
}

func wonNotification(bidderID uuid.UUID, title string, amount int64) *models.Notification {
	return &models.Notification{
		RecipientID: bidderID,
		Kind:        models.NotificationWon,
		Title:       "You won the auction",
		Body:        fmt.Sprintf("You won %q with a bid of %d", title, amount),
	}
}

func soldNotification(sellerID uuid.UUID, title string, amount int64) *models.Notification {
	return &models.Notification{
		RecipientID: sellerID,
		Kind:        models.NotificationSold,
		Title:       "Your auction sold",
		Body:        fmt.Sprintf("Your auction %q sold for %d", title, amount),
	}
}

func noBidsNotification(sellerID uuid.UUID, title string) *models.Notification {
	return &models.Notification{
		RecipientID: sellerID,
		Kind:        models.NotificationNoBids,
		Title:       "Your auction ended",
		Body:        fmt.Sprintf("Your auction %q ended with no bids", title),
	}
}

func userEvent(n *models.Notification) UserEvent {
	at := n.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return UserEvent{
		Kind:  n.Kind,
		Title: n.Title,
		Body:  n.Body,
		Time:  at,
	}
}
