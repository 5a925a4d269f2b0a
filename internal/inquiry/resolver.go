package inquiry

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

// chatIdentityDomain namespaces synthetic WhatsApp identities so they can
// never collide with a real email address.
const chatIdentityDomain = "wa.breakwater.internal"

// NormalizeIdentity canonicalizes a primary identity for lookup and storage.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// ChatIdentity builds the synthetic primary identity for a WhatsApp chat.
// The chat id's provider suffix (e.g. "@c.us") is dropped.
func ChatIdentity(chatID string) string {
	number := chatID
	if i := strings.IndexByte(chatID, '@'); i >= 0 {
		number = chatID[:i]
	}
	return NormalizeIdentity("whatsapp_" + number + "@" + chatIdentityDomain)
}

// Resolve finds the inquiry for identity, creating it when absent. Callers
// run Resolve inside a transaction: the lookup locks the row so concurrent
// ingestion of the same customer serializes. The returned flag reports
// whether a new inquiry was created.
func Resolve(ctx context.Context, st store.Store, identity string) (*model.Inquiry, bool, error) {
	ident := NormalizeIdentity(identity)
	if ident == "" {
		return nil, false, eris.New("inquiry: empty identity")
	}

	inq, err := st.GetInquiryByIdentity(ctx, ident, true)
	if err != nil {
		return nil, false, eris.Wrap(err, "inquiry: resolve lookup")
	}
	if inq != nil {
		return inq, false, nil
	}

	inq, err = st.CreateInquiry(ctx, ident)
	if err == nil {
		return inq, true, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return nil, false, eris.Wrap(err, "inquiry: resolve create")
	}

	// Lost an insert race with a concurrent ingester. The store's insert is
	// conflict-safe, so the transaction is still usable here and the
	// winner's row is committed by the time the duplicate surfaces.
	inq, err = st.GetInquiryByIdentity(ctx, ident, true)
	if err != nil {
		return nil, false, eris.Wrap(err, "inquiry: resolve after race")
	}
	if inq == nil {
		return nil, false, eris.Errorf("inquiry: identity %s vanished after duplicate insert", ident)
	}
	return inq, false, nil
}
