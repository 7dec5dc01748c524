package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubnubgo "github.com/pubnub/go/v7"
)

var _ Pubnub = (*pubnub)(nil)

type PubNubConfig struct {
	PublishKey, SubscribeKey, SecretKey, UserID string
}

func NewPubnub(pnCfg *PubNubConfig) (Pubnub, error) {
	if pnCfg == nil {
		return nil, fmt.Errorf("[NewPubnub] pnCfg: must not be nil")
	}
	if pnCfg.PublishKey == "" || pnCfg.SubscribeKey == "" {
		return nil, fmt.Errorf("[NewPubnub] publish and subscribe keys are required")
	}

	cfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(pnCfg.UserID))
	cfg.PublishKey = pnCfg.PublishKey
	cfg.SubscribeKey = pnCfg.SubscribeKey
	cfg.SecretKey = pnCfg.SecretKey

	return &pubnub{pn: pubnubgo.NewPubNub(cfg)}, nil
}

// Pubnub publishes to the per-player channel "channel-<user_id>".
type Pubnub interface {
	Publish(ctx context.Context, userID int64, messagePayload any) (string, error)
	GrantPlayerToken(ctx context.Context, userID int64) (string, error)
}

type pubnub struct {
	pn *pubnubgo.PubNub
}

func playerChannel(userID int64) string {
	return fmt.Sprintf("channel-%d", userID)
}

func (p *pubnub) Publish(ctx context.Context, userID int64, messagePayload any) (string, error) {
	messageJSON, err := setPrepareMessage(messagePayload)
	if err != nil {
		return "", err
	}

	publish := p.pn.PublishWithContext(ctx)
	publish.Channel(playerChannel(userID)).Message(messageJSON)
	resp, _, err := publish.Execute()
	if err != nil {
		return "", err
	}

	return strconv.FormatInt(resp.Timestamp, 10), nil
}

// GrantPlayerToken issues a short-lived read token for the player's own channel.
func (p *pubnub) GrantPlayerToken(ctx context.Context, userID int64) (string, error) {
	grantToken := p.pn.GrantTokenWithContext(ctx)
	permissions := map[string]pubnubgo.ChannelPermissions{
		playerChannel(userID): {
			Read: true,
		},
	}

	token, _, err := grantToken.TTL(60).AuthorizedUUID(strconv.FormatInt(userID, 10)).Channels(permissions).Execute()
	if err != nil {
		return "", err
	}

	return token.Data.Token, nil
}

// setPrepareMessage formats the message as JSON
func setPrepareMessage(messagePayload any) (string, error) {
	messageJSON, err := json.Marshal(messagePayload)
	if err != nil {
		return "", err
	}

	return string(messageJSON), nil
}
