package llm

const systemJSON = "You assist the inbound sales team of a communications API provider. " +
	"Answer with a single JSON object and nothing else."

const researchPrompt = `Summarize what is publicly known about this company in at most five short sentences:
what it does, its industry, its approximate size, relevant recent news and how it might use
messaging, voice or connectivity APIs.

Company: %s
Website: %s

Respond with JSON: {"summary": "..."}`

const analyzePrompt = `Classify the contact-sales inquiry below into exactly one category:
- "Sales Inquiry": questions about products, pricing, integrations or any business use case.
  Short but plausible messages and complaints about another provider belong here.
- "Spam/Solicitation": someone selling to us, SEO or marketing outreach, unrelated junk.
- "Support Request": an existing customer asking us to fix a problem with our service.
- "Empty": no meaningful content ("test", "n/a", random typing).

When the inquiry mentions usage volumes, convert them to monthly volumes and estimate the
monthly spend in USD with this price list: SMS 0.004 per message, voice 0.005 per minute,
data 12.50 per GB, numbers 1.00 per number, SIMs 2.00 per SIM. Use 0 when no volumes are given.

Inquiry: %s

Respond with JSON: {"category": "...", "estimated_spend": 0}`

const qualifyPrompt = `Qualify this inbound lead as one of SQL, SSL, Unknown or Disqualified.

1. Disqualified when the stated use case is prohibited: debt collection, gambling promotion,
   cannabis marketing.
2. SSL when the email address is a free mail provider.
3. SQL when revenue exceeds $50M, or the industry is Internet Software & Services with more
   than 100 employees.
4. Otherwise use the estimated monthly spend: Unknown when it is 0, SQL when it exceeds
   $1000, SSL below that.

Inquiry: %s
Category: %s
Estimated monthly spend (USD): %.2f
Email: %s
Revenue: %s
Industry: %s
Employees: %s

Respond with JSON: {"status": "...", "reason": "..."}`

const draftPrompt = `Write a reply email of at most 150 words, in the language of the inquiry, to this lead.
Acknowledge why they reached out, connect their need to what we can offer, then close:
- Support Request: point to https://support.telnyx.com/ and support@telnyx.com
- SQL: invite them to book a meeting at https://calendly.com/telnyx-sales/30min
- Disqualified: explain we cannot support the use case, link https://telnyx.com/acceptable-use-policy
- SSL: suggest the AI assistant on our website and portal for future questions
- Unknown: ask how they plan to use the service and their expected monthly volume and spend
Do not guess prices. Include a greeting and a sign-off from Eve.

Name: %s
Inquiry: %s
Status: %s
Category: %s
Context: %s
%s
Respond with JSON: {"email_body": "..."}`

const reviewPrompt = `Review this draft reply. Check that it addresses the specific inquiry, that the tone is
professional, that the closing fits the qualification status, that it stays under 150 words
and that it makes no factual claims it cannot back.

Inquiry: %s
Status: %s
Draft:
%s

Respond with JSON: {"approved": true, "score": 1-10, "issues": [], "suggestions": []}`

const interpretPrompt = `A reviewer answered a request to approve an email to %s.
Draft (start): %q
Reply: %q

Decide what the reviewer wants:
- "approved": send as is ("looks good", "send it", "LGTM").
- "rejected": send nothing to this lead ("no", "bad lead", "don't send").
- "changes_requested": any feedback about the content, tone or length.
- "unclear": the reply does not say what to do with the draft.

Respond with JSON: {"decision": "...", "feedback": "...", "reasoning": "..."}`
