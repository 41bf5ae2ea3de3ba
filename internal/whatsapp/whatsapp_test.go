package whatsapp

import "testing"

func TestRecipientJID(t *testing.T) {
	phone := recipientJID("5524999207033")
	if phone.User != "5524999207033" || phone.Server != JIDSuffix {
		t.Errorf("phone JID = %s, want user@%s", phone.String(), JIDSuffix)
	}

	alias := recipientJID("biz:lojadamaria")
	if alias.User != "lojadamaria" || alias.Server != AliasJIDSuffix {
		t.Errorf("alias JID = %s, want lojadamaria@%s", alias.String(), AliasJIDSuffix)
	}
}
