package web

import (
	"errors"
	"fmt"
	"time"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/logging"
	"github.com/fedivent/fedivent/util"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

const rssFeedSize = 50

// GetRSS builds an RSS feed of public events, optionally filtered to one
// local organizer. Only public events appear, regardless of who asks.
func GetRSS(conf *util.AppConfig, username string) (string, error) {
	database := db.GetDB()

	err, events := database.ReadEventsForViewer(conf.Conf.SslDomain, nil, nil, false, rssFeedSize)
	if err != nil || events == nil {
		logging.Warn().Err(err).Msg("could not read events for feed")
		return "", errors.New("error retrieving events")
	}

	filtered := make([]domain.Event, 0, len(*events))
	for _, event := range *events {
		if username != "" && event.CreatedBy != username {
			continue
		}
		filtered = append(filtered, event)
	}

	title := "All Fedivent Events"
	createdBy := "everyone"
	link := fmt.Sprintf("http://%s:%d/feed", conf.Conf.Host, conf.Conf.HttpPort)
	if username != "" {
		if len(filtered) == 0 {
			return "", errors.New("error retrieving events by username")
		}
		title = fmt.Sprintf("Fedivent Events - %s", username)
		createdBy = username
		link = fmt.Sprintf("%s?username=%s", link, username)
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: "upcoming events announced on this instance",
		Author:      &feeds.Author{Name: createdBy, Email: fmt.Sprintf("%s@%s", createdBy, util.Name)},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, event := range filtered {
		feedItems = append(feedItems, eventFeedItem(conf, &event))
	}

	feed.Items = feedItems
	return feed.ToRss()
}

// GetRSSItem builds a single-item feed for one public event.
func GetRSSItem(conf *util.AppConfig, eventId uuid.UUID) (string, error) {
	err, event := db.GetDB().ReadEventById(eventId)
	if err != nil || event == nil {
		logging.Warn().Err(err).Msg("could not read event for feed")
		return "", errors.New("error retrieving event by id")
	}
	if event.Visibility != domain.VisibilityPublic {
		return "", errors.New("error retrieving event by id")
	}

	url := fmt.Sprintf("http://%s:%d/feed/%s", conf.Conf.Host, conf.Conf.HttpPort, event.Id)
	feed := &feeds.Feed{
		Title:       "Single Fedivent Event",
		Link:        &feeds.Link{Href: url},
		Description: "one event announced on this instance",
		Author:      &feeds.Author{Name: event.CreatedBy, Email: fmt.Sprintf("%s@%s", event.CreatedBy, util.Name)},
		Created:     time.Now(),
	}
	feed.Items = []*feeds.Item{eventFeedItem(conf, event)}
	return feed.ToRss()
}

func eventFeedItem(conf *util.AppConfig, event *domain.Event) *feeds.Item {
	content := event.Description
	if event.Location != "" {
		content = fmt.Sprintf("%s (at %s)", content, event.Location)
	}
	if !event.StartsAt.IsZero() {
		content = fmt.Sprintf("%s, starts %s", content, event.StartsAt.Format(util.DateTimeFormat()))
	}
	return &feeds.Item{
		Id:      event.Id.String(),
		Title:   event.Title,
		Link:    &feeds.Link{Href: fmt.Sprintf("http://%s:%d/feed/%s", conf.Conf.Host, conf.Conf.HttpPort, event.Id)},
		Content: content,
		Author:  &feeds.Author{Name: event.CreatedBy, Email: fmt.Sprintf("%s@%s", event.CreatedBy, util.Name)},
		Created: event.CreatedAt,
	}
}
