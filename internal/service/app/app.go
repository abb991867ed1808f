package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	// Decrypter opens envelopes received from the gateway.
	Decrypter interface {
		DecryptMessage(ctx context.Context, env *model.Envelope, associatedData []byte) ([]byte, error)
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		gatewayHost string
		decrypter   Decrypter

		name    string
		conn    *websocket.Conn
		writeMu sync.Mutex
	}
)

func NewApp(gatewayHost string, decrypter Decrypter) *App {
	return &App{
		app:         tview.NewApplication(),
		gatewayHost: gatewayHost,
		decrypter:   decrypter,
	}
}

func (c *App) Run(ctx context.Context, name string) error {
	c.name = name

	conn, err := c.initWebhook(name)
	if err != nil {
		return fmt.Errorf("init webhook to gateway failed: %w", err)
	}
	c.conn = conn

	go c.listenOnWebhook(ctx)
	return c.renderUI()
}

func (c *App) Stop() {
	c.app.Stop()
	if c.conn != nil {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
}

// blocking function
func (c *App) renderUI() error {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Room (%s) ", c.name))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if err := c.SendMessage(msg); err != nil {
				c.app.QueueUpdateDraw(func() {
					fmt.Fprintf(c.chatbox, "[red]send failed:[-] %s\n", tview.Escape(err.Error()))
				})
				log.Error("Send message failed", zap.Error(err))
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) listenOnWebhook(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			c.conn.Close()
			c.app.QueueUpdateDraw(func() {
				fmt.Fprint(c.chatbox, "[red]disconnected from gateway[-]\n")
			})
			return
		}

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Error("Unmarshal event failed", zap.Error(err))
			continue
		}

		line, ok := c.render(ctx, &ev)
		if !ok {
			continue
		}
		c.app.QueueUpdateDraw(func() {
			fmt.Fprint(c.chatbox, line)
			c.chatbox.ScrollToEnd()
		})
	}
}

func (c *App) SendMessage(msg string) error {
	c.writeMu.Lock()
	err := c.conn.WriteJSON(&model.InboundMessage{Message: msg})
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s\n", tview.Escape(msg))
		c.chatbox.ScrollToEnd()
	})
	return nil
}

// render turns a gateway event into a chat line. Own broadcasts are skipped
// since they were echoed on send.
func (c *App) render(ctx context.Context, ev *model.Event) (string, bool) {
	switch ev.Type {
	case model.EventEncryptionFailed:
		return fmt.Sprintf("[red]message #%d was not delivered:[-] %s\n", ev.Seq, ev.Error), true

	case model.EventMessage:
		if ev.Sender == c.name {
			return "", false
		}
		text, err := c.open(ctx, ev)
		if err != nil {
			log.Warn("cannot decrypt message",
				zap.String("sender", ev.Sender), zap.Uint64("seq", ev.Seq), zap.Error(err))
			return fmt.Sprintf("[red]%s:[-] <unreadable message: %s>\n",
				tview.Escape(ev.Sender), model.KindOf(err)), true
		}
		return fmt.Sprintf("[green]%s:[-] %s\n", tview.Escape(ev.Sender), tview.Escape(text)), true
	}

	log.Debug("ignoring event", zap.String("type", string(ev.Type)))
	return "", false
}

func (c *App) open(ctx context.Context, ev *model.Event) (string, error) {
	env, err := model.DecodeEnvelope(ev.Message)
	if err != nil {
		return "", err
	}
	plaintext, err := c.decrypter.DecryptMessage(ctx, env, []byte(ev.Sender))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
