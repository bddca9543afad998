package portabletext

// Node is a top-level entry produced by WalkList: either a block or a list
// container.
type Node struct {
	Block *Block
	List  *List
}

// List groups consecutive list items of one kind at one level.
type List struct {
	Kind  string
	Level int
	Items []Item
}

// Item is a list item and the deeper lists nested under it.
type Item struct {
	Block Block
	Lists []List
}

// WalkList regroups a flat block sequence into list containers. A new list
// starts when the previous node is not a list, when the kind changes at
// level 1, or when the level drops below the current list's level. Items of
// the same kind and level become siblings; deeper items nest inside the last
// item of the current list. The input is not modified.
func WalkList(blocks []Block) []Node {
	out := make([]Node, 0, len(blocks))
	for i := range blocks {
		b := blocks[i]
		if !b.IsListItem() {
			out = append(out, Node{Block: &b})
			continue
		}
		if n := len(out); n > 0 && out[n-1].List != nil {
			if l, ok := place(*out[n-1].List, b); ok {
				out[n-1] = Node{List: &l}
				continue
			}
		}
		l := newList(b)
		out = append(out, Node{List: &l})
	}
	return out
}

func newList(b Block) List {
	return List{Kind: b.ListItem, Level: b.ListLevel(), Items: []Item{{Block: b}}}
}

// place returns a copy of l with b added, or false when b cannot join l.
func place(l List, b Block) (List, bool) {
	level := b.ListLevel()
	switch {
	case level == l.Level && b.ListItem == l.Kind:
		l.Items = append(cloneItems(l.Items), Item{Block: b})
		return l, true
	case level <= l.Level:
		return l, false
	}

	items := cloneItems(l.Items)
	last := items[len(items)-1]
	lists := append([]List(nil), last.Lists...)
	if n := len(lists); n > 0 {
		if nested, ok := place(lists[n-1], b); ok {
			lists[n-1] = nested
			last.Lists = lists
			items[len(items)-1] = last
			l.Items = items
			return l, true
		}
	}
	last.Lists = append(lists, newList(b))
	items[len(items)-1] = last
	l.Items = items
	return l, true
}

func cloneItems(items []Item) []Item {
	return append(make([]Item, 0, len(items)+1), items...)
}
