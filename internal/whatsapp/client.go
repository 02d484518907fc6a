package whatsapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"whatsflow/internal/automation"
	"whatsflow/internal/models"

	"gorm.io/gorm"
)

const graphAPIBase = "https://graph.facebook.com/v19.0"

// Client talks to the WhatsApp Cloud API. It is channel-aware: every send is
// made with the credentials of the channel it goes out on. Implements
// automation.ChannelSender.
type Client struct {
	httpClient *http.Client
	db         *gorm.DB // outbound message log; may be nil
}

func NewClient(db *gorm.DB) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		db:         db,
	}
}

// --- Message structures (Cloud API wire format) ---

type GenericMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *TextObj        `json:"text,omitempty"`
	Template         *TemplateObj    `json:"template,omitempty"`
	Interactive      *InteractiveObj `json:"interactive,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type TemplateObj struct {
	Name     string      `json:"name"`
	Language LanguageObj `json:"language"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

type InteractiveObj struct {
	Type   string    `json:"type"` // button, list
	Body   BodyObj   `json:"body"`
	Action ActionObj `json:"action"`
}

type BodyObj struct {
	Text string `json:"text"`
}

type ActionObj struct {
	Button   string       `json:"button,omitempty"` // list opener label
	Buttons  []ButtonObj  `json:"buttons,omitempty"`
	Sections []SectionObj `json:"sections,omitempty"`
}

type ButtonObj struct {
	Type  string   `json:"type"`
	Reply ReplyObj `json:"reply"`
}

type ReplyObj struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type SectionObj struct {
	Title string   `json:"title,omitempty"`
	Rows  []RowObj `json:"rows,omitempty"`
}

type RowObj struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// --- HTTP plumbing ---

func (c *Client) sendRequest(channel *models.Channel, method, url string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+channel.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return respBody, fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
	}

	return respBody, nil
}

func (c *Client) sendMessage(channel *models.Channel, msg GenericMessage) error {
	url := fmt.Sprintf("%s/%s/messages", graphAPIBase, channel.PhoneNumberID)
	_, err := c.sendRequest(channel, "POST", url, msg)
	if err != nil {
		return err
	}

	content := ""
	switch {
	case msg.Text != nil:
		content = msg.Text.Body
	case msg.Template != nil:
		content = "Template: " + msg.Template.Name
	case msg.Interactive != nil:
		content = msg.Interactive.Body.Text
	}
	c.logOutbound(channel, msg.To, content, msg.Type)

	return nil
}

// logOutbound records the sent message for the dashboard conversation view
func (c *Client) logOutbound(channel *models.Channel, to, content, msgType string) {
	if c.db == nil {
		return
	}
	go func() {
		m := models.Message{
			TenantID:  channel.TenantID,
			ChannelID: channel.ID,
			WaID:      to,
			Direction: "out",
			Content:   content,
			Type:      msgType,
			Status:    "sent",
		}
		if err := c.db.Create(&m).Error; err != nil {
			log.Printf("Error logging outbound message: %v", err)
		}
	}()
}

// --- automation.ChannelSender ---

func (c *Client) SendText(channel *models.Channel, to, text string) error {
	return c.sendMessage(channel, GenericMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &TextObj{Body: text},
	})
}

func (c *Client) SendTemplate(channel *models.Channel, to, name, language string) error {
	return c.sendMessage(channel, GenericMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template: &TemplateObj{
			Name:     name,
			Language: LanguageObj{Code: language},
		},
	})
}

// SendButtons sends an interactive button message. WhatsApp allows at most 3.
func (c *Client) SendButtons(channel *models.Channel, to, text string, options []automation.StepOption) error {
	var buttons []ButtonObj
	for i, opt := range options {
		if i >= 3 {
			break
		}
		buttons = append(buttons, ButtonObj{
			Type:  "reply",
			Reply: ReplyObj{ID: opt.WireID(i), Title: opt.Label},
		})
	}

	return c.sendMessage(channel, GenericMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive: &InteractiveObj{
			Type:   "button",
			Body:   BodyObj{Text: text},
			Action: ActionObj{Buttons: buttons},
		},
	})
}

// SendList sends an interactive list message. WhatsApp allows at most 10 rows.
func (c *Client) SendList(channel *models.Channel, to, text, buttonText string, options []automation.StepOption) error {
	var rows []RowObj
	for i, opt := range options {
		if i >= 10 {
			break
		}
		rows = append(rows, RowObj{
			ID:          opt.WireID(i),
			Title:       opt.Label,
			Description: opt.Description,
		})
	}

	return c.sendMessage(channel, GenericMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive: &InteractiveObj{
			Type:   "list",
			Body:   BodyObj{Text: text},
			Action: ActionObj{Button: buttonText, Sections: []SectionObj{{Rows: rows}}},
		},
	})
}

// --- Template management ---

// GetTemplates fetches message templates from Meta for the channel's WABA
func (c *Client) GetTemplates(channel *models.Channel) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/%s/message_templates", graphAPIBase, channel.WABAID)
	resp, err := c.sendRequest(channel, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	err = json.Unmarshal(resp, &result)
	return result, err
}
