package foundry

import "context"

// MessageLister is the subset of the client used to page through messages.
type MessageLister interface {
	ListMessages(ctx context.Context, threadID string, opts ListOptions) (MessagePage, error)
}

// MessagePager walks a thread's messages page by page using the after cursor.
type MessagePager struct {
	lister   MessageLister
	threadID string
	opts     ListOptions
	done     bool
}

// NewMessagePager starts a listing with the given options.
func NewMessagePager(lister MessageLister, threadID string, opts ListOptions) *MessagePager {
	return &MessagePager{lister: lister, threadID: threadID, opts: opts}
}

// More reports whether another page may be fetched.
func (p *MessagePager) More() bool {
	return !p.done
}

// NextPage fetches the next page and advances the cursor.
func (p *MessagePager) NextPage(ctx context.Context) ([]Message, error) {
	if p.done {
		return nil, nil
	}
	page, err := p.lister.ListMessages(ctx, p.threadID, p.opts)
	if err != nil {
		return nil, err
	}
	cursor := page.LastID
	if cursor == "" && len(page.Data) > 0 {
		cursor = page.Data[len(page.Data)-1].ID
	}
	// a page that does not move the cursor would loop forever
	if !page.HasMore || cursor == "" || cursor == p.opts.After {
		p.done = true
	}
	p.opts.After = cursor
	return page.Data, nil
}
